// Package replication tracks, per connection, what a remote observer has been
// told about a scene and computes the create/delta/latest/remove messages
// that close the gap each tick.
package replication

import (
	"emberfall/server/internal/channel"
	"emberfall/server/internal/pkgfile"
	"emberfall/server/internal/priority"
	"emberfall/server/internal/proto"
)

// DirtyBits is a per-entity dirty-attribute bitset addressed by stable
// attribute index. Entities are limited to 64 replicated attributes.
type DirtyBits uint64

// Set marks attribute index i dirty.
func (b *DirtyBits) Set(i int) {
	*b |= 1 << uint(i)
}

// IsSet reports whether attribute index i is dirty.
func (b DirtyBits) IsSet(i int) bool {
	return b&(1<<uint(i)) != 0
}

// Any reports whether any bit is set.
func (b DirtyBits) Any() bool {
	return b != 0
}

// Component is the replication surface of a scene component. Attribute
// indices are stable per type; serialization hooks write and read values in
// index order.
type Component interface {
	ID() uint32
	TypeHash() uint32
	WriteInitialState(w *proto.Writer)
	ReadInitialState(r *proto.Reader) error
	WriteDelta(w *proto.Writer, dirty DirtyBits)
	ReadDelta(r *proto.Reader) error
	WriteLatest(w *proto.Writer)
	// ReadLatest applies latest-flagged attributes and reports whether a late
	// apply pass is still needed by the caller.
	ReadLatest(r *proto.Reader) (needApply bool, err error)
	// LatestMask marks the attribute indices sent on the unreliable
	// latest-data path instead of the reliable delta path.
	LatestMask() DirtyBits
}

// Node is the replication surface of a scene node.
type Node interface {
	ID() uint32
	WriteInitialState(w *proto.Writer)
	ReadInitialState(r *proto.Reader) error
	WriteDelta(w *proto.Writer, dirty DirtyBits)
	ReadDelta(r *proto.Reader) error
	WriteLatest(w *proto.Writer)
	ReadLatest(r *proto.Reader) (needApply bool, err error)
	LatestMask() DirtyBits
	// WriteVars writes the given user-variable keys and their values.
	WriteVars(w *proto.Writer, keys []uint32)
	Components() []Component
	Component(id uint32) (Component, bool)
	CreateComponent(typeHash, id uint32) (Component, error)
	RemoveComponent(id uint32)
	// DependencyNodeIDs lists nodes this node semantically depends on; they
	// are replicated before the node itself.
	DependencyNodeIDs() []uint32
	// OwnerKey identifies the owning connection, zero when unowned.
	OwnerKey() uint32
	Position() proto.Vector3
	// Priority returns the node's interest policy; ok is false when the node
	// updates unconditionally.
	Priority() (policy priority.Policy, ok bool)
}

// Scene is the replication surface of a scene graph. The core manipulates
// scenes only through this interface; the concrete graph lives elsewhere.
type Scene interface {
	RootID() uint32
	Node(id uint32) (Node, bool)
	// NodeIDs lists replicated node ids in ascending order.
	NodeIDs() []uint32
	CreateNode(id uint32) (Node, error)
	RemoveNode(id uint32)
	Component(id uint32) (Component, bool)
	RemoveComponent(id uint32)
	Checksum() uint64
	FileName() string
	RequiredPackages() []pkgfile.Stamp
	LoadFile(path string) error
	Clear()
	// SetObserver installs the replication-side callback sink for mutations.
	SetObserver(Observer)
}

// Observer receives scene mutation callbacks. The replicator fans these out
// to every observing connection's SceneState.
type Observer interface {
	NodeDirtied(id uint32, bits DirtyBits)
	NodeVarDirtied(id uint32, key uint32)
	NodeRemoved(id uint32)
	ComponentDirtied(nodeID, componentID uint32, bits DirtyBits)
	ComponentRemoved(nodeID, componentID uint32)
}

// Sink is where the diff engine enqueues outbound messages; the connection's
// channel satisfies it.
type Sink interface {
	Send(class channel.Class, id proto.MessageID, contentID uint32, payload []byte) error
}
