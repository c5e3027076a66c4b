package replication

// ComponentState records what one connection has been told about a component.
// A nil component reference means the component was removed and a remove
// message is pending.
type ComponentState struct {
	component  Component
	dirtyAttrs DirtyBits
}

// NodeState records what one connection has been told about a node. A nil
// node reference means the node was removed and a remove message is pending.
type NodeState struct {
	node        Node
	dirtyAttrs  DirtyBits
	dirtyVars   map[uint32]struct{}
	components  map[uint32]*ComponentState
	priorityAcc float64
}

func newNodeState(node Node) *NodeState {
	return &NodeState{
		node:       node,
		dirtyVars:  make(map[uint32]struct{}),
		components: make(map[uint32]*ComponentState),
	}
}

func (ns *NodeState) clean() bool {
	if ns.node == nil || ns.dirtyAttrs.Any() || len(ns.dirtyVars) > 0 {
		return false
	}
	for _, cs := range ns.components {
		if cs.component == nil || cs.dirtyAttrs.Any() {
			return false
		}
	}
	return len(ns.components) == len(ns.node.Components())
}

// SceneState is a connection's view of a scene: one entry per node whose
// existence the peer has been (or is pending being) told about, plus the set
// of nodes needing processing this tick.
type SceneState struct {
	nodes map[uint32]*NodeState
	dirty map[uint32]struct{}
}

// NewSceneState returns an empty per-connection state.
func NewSceneState() *SceneState {
	return &SceneState{
		nodes: make(map[uint32]*NodeState),
		dirty: make(map[uint32]struct{}),
	}
}

// Seed marks every current scene node dirty so the next update sends the full
// scene. Used when a connection becomes an active observer.
func (st *SceneState) Seed(s Scene) {
	for _, id := range s.NodeIDs() {
		st.dirty[id] = struct{}{}
	}
}

// Len returns how many nodes the peer currently knows about.
func (st *SceneState) Len() int {
	return len(st.nodes)
}

// DirtyIDs returns a snapshot of the nodes pending processing.
func (st *SceneState) DirtyIDs() []uint32 {
	ids := make([]uint32, 0, len(st.dirty))
	for id := range st.dirty {
		ids = append(ids, id)
	}
	return ids
}

// NodeDirtied records changed attribute bits for a node.
func (st *SceneState) NodeDirtied(id uint32, bits DirtyBits) {
	if entry, ok := st.nodes[id]; ok && entry.node != nil {
		entry.dirtyAttrs |= bits
	}
	st.dirty[id] = struct{}{}
}

// NodeVarDirtied records a changed user-variable key for a node.
func (st *SceneState) NodeVarDirtied(id uint32, key uint32) {
	if entry, ok := st.nodes[id]; ok && entry.node != nil {
		entry.dirtyVars[key] = struct{}{}
	}
	st.dirty[id] = struct{}{}
}

// NodeRemoved flags a node for removal. A node the peer was never told about
// is dropped silently so create-then-remove within one tick produces no
// messages at all.
func (st *SceneState) NodeRemoved(id uint32) {
	entry, ok := st.nodes[id]
	if !ok {
		delete(st.dirty, id)
		return
	}
	entry.node = nil
	st.dirty[id] = struct{}{}
}

// ComponentDirtied records changed attribute bits for a component.
func (st *SceneState) ComponentDirtied(nodeID, componentID uint32, bits DirtyBits) {
	if entry, ok := st.nodes[nodeID]; ok {
		if cs, ok := entry.components[componentID]; ok && cs.component != nil {
			cs.dirtyAttrs |= bits
		}
	}
	st.dirty[nodeID] = struct{}{}
}

// ComponentRemoved flags a component for removal, unless the peer was never
// told it existed.
func (st *SceneState) ComponentRemoved(nodeID, componentID uint32) {
	entry, ok := st.nodes[nodeID]
	if !ok {
		return
	}
	if cs, ok := entry.components[componentID]; ok {
		cs.component = nil
	}
	st.dirty[nodeID] = struct{}{}
}

// Known reports whether the peer has been told about the node.
func (st *SceneState) Known(id uint32) bool {
	_, ok := st.nodes[id]
	return ok
}
