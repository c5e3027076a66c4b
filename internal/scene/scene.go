package scene

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"

	"emberfall/server/internal/pkgfile"
	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// RootNodeID is the scene root's fixed entity id. The root is always
// replicated first so scene-wide state precedes everything else.
const RootNodeID uint32 = 1

// Scene is a flat set of nodes addressed by id. All mutation happens on the
// single replication thread; the scene carries no locks.
type Scene struct {
	registry   *Registry
	nodes      map[uint32]*Node
	components map[uint32]*Component
	root       *Node

	nextNodeID      uint32
	nextLocalNodeID uint32
	nextComponentID uint32

	observer replication.Observer

	fileName     string
	packageNames []string
	packages     []pkgfile.Stamp
	checksum     uint64
}

// New creates an empty scene with a fresh root node.
func New(registry *Registry) *Scene {
	s := &Scene{
		registry:        registry,
		nodes:           make(map[uint32]*Node),
		components:      make(map[uint32]*Component),
		nextNodeID:      RootNodeID + 1,
		nextLocalNodeID: proto.FirstLocalID,
		nextComponentID: 1,
	}
	s.root = newNode(RootNodeID, "root", s)
	s.nodes[RootNodeID] = s.root
	return s
}

// Registry returns the component type table.
func (s *Scene) Registry() *Registry {
	return s.registry
}

// Root returns the scene root node.
func (s *Scene) Root() *Node {
	return s.root
}

// RootID implements replication.Scene.
func (s *Scene) RootID() uint32 {
	return RootNodeID
}

// SetObserver implements replication.Scene.
func (s *Scene) SetObserver(o replication.Observer) {
	s.observer = o
}

func (s *Scene) nodeDirtied(id uint32, bits replication.DirtyBits) {
	if s.observer != nil && id < proto.FirstLocalID {
		s.observer.NodeDirtied(id, bits)
	}
}

func (s *Scene) nodeVarDirtied(id uint32, key uint32) {
	if s.observer != nil && id < proto.FirstLocalID {
		s.observer.NodeVarDirtied(id, key)
	}
}

func (s *Scene) componentDirtied(nodeID, componentID uint32, bits replication.DirtyBits) {
	if s.observer != nil && nodeID < proto.FirstLocalID {
		s.observer.ComponentDirtied(nodeID, componentID, bits)
	}
}

func (s *Scene) componentRemoved(nodeID, componentID uint32) {
	if s.observer != nil && nodeID < proto.FirstLocalID {
		s.observer.ComponentRemoved(nodeID, componentID)
	}
}

// CreateChild creates a replicated node.
func (s *Scene) CreateChild(name string) *Node {
	n := newNode(s.nextNodeID, name, s)
	s.nextNodeID++
	s.nodes[n.id] = n
	s.nodeDirtied(n.id, 0)
	return n
}

// CreateLocalNode creates a node in the local id range; it never replicates.
func (s *Scene) CreateLocalNode(name string) *Node {
	n := newNode(s.nextLocalNodeID, name, s)
	s.nextLocalNodeID++
	s.nodes[n.id] = n
	return n
}

// CreateNode implements replication.Scene: instantiate a node under a
// peer-assigned id when applying a create message.
func (s *Scene) CreateNode(id uint32) (replication.Node, error) {
	if id == 0 || id >= proto.FirstLocalID {
		return nil, fmt.Errorf("scene: invalid replicated node id %d", id)
	}
	if _, exists := s.nodes[id]; exists {
		return nil, fmt.Errorf("scene: node id %d already in use", id)
	}
	n := newNode(id, "", s)
	s.nodes[id] = n
	if id >= s.nextNodeID {
		s.nextNodeID = id + 1
	}
	return n, nil
}

// Node implements replication.Scene.
func (s *Scene) Node(id uint32) (replication.Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n, true
}

// NodeByID returns the concrete node.
func (s *Scene) NodeByID(id uint32) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// NodeByName returns the first node with the given name.
func (s *Scene) NodeByName(name string) (*Node, bool) {
	for _, n := range s.nodes {
		if n.name == name {
			return n, true
		}
	}
	return nil, false
}

// NodeIDs implements replication.Scene, listing replicated ids in ascending
// order.
func (s *Scene) NodeIDs() []uint32 {
	ids := make([]uint32, 0, len(s.nodes))
	for id := range s.nodes {
		if id < proto.FirstLocalID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoveNode implements replication.Scene. Removing the root is ignored.
func (s *Scene) RemoveNode(id uint32) {
	if id == RootNodeID {
		return
	}
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	for _, comp := range n.comps {
		delete(s.components, comp.id)
	}
	n.comps = nil
	n.scene = nil
	delete(s.nodes, id)
	if s.observer != nil && id < proto.FirstLocalID {
		s.observer.NodeRemoved(id)
	}
}

// Component implements replication.Scene.
func (s *Scene) Component(id uint32) (replication.Component, bool) {
	c, ok := s.components[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// RemoveComponent implements replication.Scene, detaching the component from
// its node.
func (s *Scene) RemoveComponent(id uint32) {
	c, ok := s.components[id]
	if !ok {
		return
	}
	c.node.RemoveComponent(id)
}

// FileName implements replication.Scene.
func (s *Scene) FileName() string {
	return s.fileName
}

// PackageNames lists the package files the scene requires, as authored.
func (s *Scene) PackageNames() []string {
	return s.packageNames
}

// StampPackages resolves the scene's required package names against a data
// directory, recording size and checksum for each. The server calls this
// before assigning the scene to connections.
func (s *Scene) StampPackages(dir string) error {
	stamps := make([]pkgfile.Stamp, 0, len(s.packageNames))
	for _, name := range s.packageNames {
		stamp, err := pkgfile.StampFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("scene: stamp package %q: %w", name, err)
		}
		stamps = append(stamps, stamp)
	}
	s.packages = stamps
	return nil
}

// RequiredPackages implements replication.Scene. Empty until StampPackages
// has run (or the scene requires nothing).
func (s *Scene) RequiredPackages() []pkgfile.Stamp {
	return s.packages
}

// Clear drops every node and component and resets ids, keeping the registry.
func (s *Scene) Clear() {
	s.nodes = make(map[uint32]*Node)
	s.components = make(map[uint32]*Component)
	s.nextNodeID = RootNodeID + 1
	s.nextLocalNodeID = proto.FirstLocalID
	s.nextComponentID = 1
	s.root = newNode(RootNodeID, "root", s)
	s.nodes[RootNodeID] = s.root
	s.fileName = ""
	s.packageNames = nil
	s.packages = nil
	s.checksum = 0
}

// Checksum implements replication.Scene. The value is a structure stamp of
// the loaded content, frozen until the next load or refresh; runtime
// mutations do not shift it, so a client that loaded the same file always
// matches.
func (s *Scene) Checksum() uint64 {
	return s.checksum
}

// RefreshChecksum recomputes the structure stamp from the replicated nodes.
func (s *Scene) RefreshChecksum() uint64 {
	h := xxhash.New()
	var scratch [4]byte
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:], v)
		h.Write(scratch[:])
	}
	for _, id := range s.NodeIDs() {
		n := s.nodes[id]
		writeU32(id)
		h.WriteString(n.name)
		for _, comp := range n.comps {
			writeU32(comp.id)
			writeU32(comp.TypeHash())
		}
	}
	s.checksum = h.Sum64()
	return s.checksum
}
