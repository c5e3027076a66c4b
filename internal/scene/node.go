package scene

import (
	"fmt"

	"emberfall/server/internal/priority"
	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// Stable node attribute indices shared by both peers.
const (
	NodeAttrName = iota
	NodeAttrScale
	NodeAttrPosition
	NodeAttrRotation
)

// nodeLatestMask marks position and rotation as latest-data attributes.
const nodeLatestMask = replication.DirtyBits(1<<NodeAttrPosition | 1<<NodeAttrRotation)

// Node is a scene graph entity carrying a transform, user variables, and an
// ordered component list. The transform hierarchy is out of scope here; nodes
// form a flat set with explicit dependency links.
type Node struct {
	id       uint32
	name     string
	scale    proto.Vector3
	position proto.Vector3
	rotation proto.Quaternion

	vars  proto.VariantMap
	comps []*Component
	deps  []uint32

	ownerKey uint32
	prio     priority.Policy
	hasPrio  bool

	scene *Scene
}

func newNode(id uint32, name string, s *Scene) *Node {
	return &Node{
		id:       id,
		name:     name,
		scale:    proto.Vector3{X: 1, Y: 1, Z: 1},
		rotation: proto.QuaternionIdentity,
		vars:     make(proto.VariantMap),
		scene:    s,
	}
}

// ID returns the node's entity id.
func (n *Node) ID() uint32 {
	return n.id
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Replicated reports whether the node id is in the replicated range. Local
// nodes never reach the wire.
func (n *Node) Replicated() bool {
	return n.id < proto.FirstLocalID
}

func (n *Node) markDirty(index int) {
	if n.scene == nil {
		return
	}
	var bits replication.DirtyBits
	bits.Set(index)
	n.scene.nodeDirtied(n.id, bits)
}

// SetName renames the node.
func (n *Node) SetName(name string) {
	n.name = name
	n.markDirty(NodeAttrName)
}

// SetScale updates the node scale.
func (n *Node) SetScale(v proto.Vector3) {
	n.scale = v
	n.markDirty(NodeAttrScale)
}

// SetPosition updates the node position (latest-data path).
func (n *Node) SetPosition(v proto.Vector3) {
	n.position = v
	n.markDirty(NodeAttrPosition)
}

// SetRotation updates the node rotation (latest-data path).
func (n *Node) SetRotation(q proto.Quaternion) {
	n.rotation = q
	n.markDirty(NodeAttrRotation)
}

// Position implements replication.Node for interest management.
func (n *Node) Position() proto.Vector3 {
	return n.position
}

// Rotation returns the node rotation.
func (n *Node) Rotation() proto.Quaternion {
	return n.rotation
}

// Scale returns the node scale.
func (n *Node) Scale() proto.Vector3 {
	return n.scale
}

// SetVar stores a user variable under the hash of the given name.
func (n *Node) SetVar(name string, v proto.Variant) {
	key := proto.Hash(name)
	n.vars[key] = v
	if n.scene != nil {
		n.scene.nodeVarDirtied(n.id, key)
	}
}

// Var looks up a user variable by name.
func (n *Node) Var(name string) (proto.Variant, bool) {
	v, ok := n.vars[proto.Hash(name)]
	return v, ok
}

// Vars returns the node's user variable map.
func (n *Node) Vars() proto.VariantMap {
	return n.vars
}

// SetOwner assigns the owning connection key, zero for unowned.
func (n *Node) SetOwner(key uint32) {
	n.ownerKey = key
}

// OwnerKey implements replication.Node.
func (n *Node) OwnerKey() uint32 {
	return n.ownerKey
}

// SetPriority installs an interest policy. Nodes without one update
// unconditionally.
func (n *Node) SetPriority(p priority.Policy) {
	n.prio = p
	n.hasPrio = true
}

// ClearPriority removes the interest policy.
func (n *Node) ClearPriority() {
	n.prio = priority.Policy{}
	n.hasPrio = false
}

// Priority implements replication.Node.
func (n *Node) Priority() (priority.Policy, bool) {
	return n.prio, n.hasPrio
}

// AddDependency declares that target must replicate before this node.
func (n *Node) AddDependency(target uint32) {
	for _, id := range n.deps {
		if id == target {
			return
		}
	}
	n.deps = append(n.deps, target)
}

// DependencyNodeIDs implements replication.Node.
func (n *Node) DependencyNodeIDs() []uint32 {
	return n.deps
}

// AddComponent instantiates a registered component type on the node.
func (n *Node) AddComponent(typeName string) (*Component, error) {
	if n.scene == nil {
		return nil, fmt.Errorf("scene: node %d is detached", n.id)
	}
	typ, ok := n.scene.registry.ByName(typeName)
	if !ok {
		return nil, fmt.Errorf("scene: unknown component type %q", typeName)
	}
	comp := newComponent(n.scene.nextComponentID, typ, n)
	n.scene.nextComponentID++
	n.comps = append(n.comps, comp)
	n.scene.components[comp.id] = comp
	// Existence of a new component rides on the node's dirty flag; the diff
	// engine finds it via the component count mismatch.
	n.scene.nodeDirtied(n.id, 0)
	return comp, nil
}

// CreateComponent implements replication.Node: instantiate a component with a
// peer-assigned id, used when applying create messages.
func (n *Node) CreateComponent(typeHash, id uint32) (replication.Component, error) {
	if n.scene == nil {
		return nil, fmt.Errorf("scene: node %d is detached", n.id)
	}
	typ, ok := n.scene.registry.ByHash(typeHash)
	if !ok {
		return nil, fmt.Errorf("scene: unknown component type hash %#x", typeHash)
	}
	comp := newComponent(id, typ, n)
	n.comps = append(n.comps, comp)
	n.scene.components[id] = comp
	if id >= n.scene.nextComponentID {
		n.scene.nextComponentID = id + 1
	}
	return comp, nil
}

// RemoveComponent detaches and discards a component by id.
func (n *Node) RemoveComponent(id uint32) {
	for i, comp := range n.comps {
		if comp.ID() != id {
			continue
		}
		n.comps = append(n.comps[:i], n.comps[i+1:]...)
		if n.scene != nil {
			delete(n.scene.components, id)
			n.scene.componentRemoved(n.id, id)
		}
		return
	}
}

// Component implements replication.Node.
func (n *Node) Component(id uint32) (replication.Component, bool) {
	for _, comp := range n.comps {
		if comp.ID() == id {
			return comp, true
		}
	}
	return nil, false
}

// ComponentByType returns the first component of the named type.
func (n *Node) ComponentByType(typeName string) (*Component, bool) {
	for _, comp := range n.comps {
		if comp.TypeName() == typeName {
			return comp, true
		}
	}
	return nil, false
}

// Components implements replication.Node, listing components in creation
// order.
func (n *Node) Components() []replication.Component {
	out := make([]replication.Component, len(n.comps))
	for i, comp := range n.comps {
		out[i] = comp
	}
	return out
}

// LatestMask implements replication.Node.
func (n *Node) LatestMask() replication.DirtyBits {
	return nodeLatestMask
}

// WriteInitialState writes the full attribute set and every user variable.
func (n *Node) WriteInitialState(w *proto.Writer) {
	w.WriteString(n.name)
	w.WriteVector3(n.scale)
	w.WriteVector3(n.position)
	w.WritePackedQuaternion(n.rotation)
	w.WriteVariantMap(n.vars)
}

// ReadInitialState reads the full attribute set and user variables.
func (n *Node) ReadInitialState(r *proto.Reader) error {
	n.name = r.ReadString()
	n.scale = r.ReadVector3()
	n.position = r.ReadVector3()
	n.rotation = r.ReadPackedQuaternion()
	n.vars = r.ReadVariantMap()
	return r.Err()
}

// WriteDelta writes the bitset and the selected attribute values. User
// variables follow, written by the diff engine through WriteVars.
func (n *Node) WriteDelta(w *proto.Writer, dirty replication.DirtyBits) {
	w.WriteVarUint(uint64(dirty))
	if dirty.IsSet(NodeAttrName) {
		w.WriteString(n.name)
	}
	if dirty.IsSet(NodeAttrScale) {
		w.WriteVector3(n.scale)
	}
	if dirty.IsSet(NodeAttrPosition) {
		w.WriteVector3(n.position)
	}
	if dirty.IsSet(NodeAttrRotation) {
		w.WritePackedQuaternion(n.rotation)
	}
}

// WriteVars writes the given user-variable keys with their current values.
func (n *Node) WriteVars(w *proto.Writer, keys []uint32) {
	w.WriteVarUint(uint64(len(keys)))
	for _, key := range keys {
		w.WriteU32(key)
		w.WriteVariant(n.vars[key])
	}
}

// ReadDelta reads a bitset-selected attribute update followed by changed user
// variables.
func (n *Node) ReadDelta(r *proto.Reader) error {
	dirty := replication.DirtyBits(r.ReadVarUint())
	if dirty.IsSet(NodeAttrName) {
		n.name = r.ReadString()
	}
	if dirty.IsSet(NodeAttrScale) {
		n.scale = r.ReadVector3()
	}
	if dirty.IsSet(NodeAttrPosition) {
		n.position = r.ReadVector3()
	}
	if dirty.IsSet(NodeAttrRotation) {
		n.rotation = r.ReadPackedQuaternion()
	}
	count := r.ReadVarUint()
	for i := uint64(0); i < count; i++ {
		if r.Err() != nil {
			break
		}
		key := r.ReadU32()
		n.vars[key] = r.ReadVariant()
	}
	return r.Err()
}

// WriteLatest writes position and rotation.
func (n *Node) WriteLatest(w *proto.Writer) {
	w.WriteVector3(n.position)
	w.WritePackedQuaternion(n.rotation)
}

// ReadLatest reads position and rotation.
func (n *Node) ReadLatest(r *proto.Reader) (bool, error) {
	n.position = r.ReadVector3()
	n.rotation = r.ReadPackedQuaternion()
	return false, r.Err()
}
