package replication

import (
	"sort"

	"github.com/rs/zerolog"

	"emberfall/server/internal/channel"
	"emberfall/server/internal/proto"
)

// ObserverInfo describes the observing connection for interest management.
type ObserverInfo struct {
	// Key identifies the connection for owner-exemption checks.
	Key uint32
	// Position is the observer's tracked position in the scene.
	Position proto.Vector3
}

// Counts summarizes what one SendServerUpdate pass produced.
type Counts struct {
	NodeCreates      int
	NodeDeltas       int
	NodeLatests      int
	NodeRemoves      int
	ComponentCreates int
	ComponentDeltas  int
	ComponentLatests int
	ComponentRemoves int
	Throttled        int
}

// Total returns the number of messages enqueued.
func (c Counts) Total() int {
	return c.NodeCreates + c.NodeDeltas + c.NodeLatests + c.NodeRemoves +
		c.ComponentCreates + c.ComponentDeltas + c.ComponentLatests + c.ComponentRemoves
}

// Engine computes per-connection replication updates. It holds no per-peer
// state of its own; everything peer-specific lives in the SceneState.
type Engine struct {
	log zerolog.Logger
}

// NewEngine returns an engine logging anomalies to the given logger.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// SendServerUpdate walks the connection's dirty set depth-first and enqueues
// the messages that bring the peer up to date. The scene root is always
// visited first so scene-wide state precedes everything else; dependency
// nodes are processed before their dependents so the receiving side never
// sees a forward reference.
func (e *Engine) SendServerUpdate(scene Scene, st *SceneState, obs ObserverInfo, out Sink) Counts {
	var counts Counts
	processed := make(map[uint32]struct{})
	inProgress := make(map[uint32]struct{})

	e.processWithDeps(scene.RootID(), scene, st, obs, out, processed, inProgress, &counts)
	for _, id := range st.DirtyIDs() {
		e.processWithDeps(id, scene, st, obs, out, processed, inProgress, &counts)
	}
	return counts
}

// processWithDeps visits a node after its dependencies. A dependency cycle
// degrades to processing each member once in discovery order; the cycle is
// logged as an anomaly rather than recursed into.
func (e *Engine) processWithDeps(id uint32, scene Scene, st *SceneState, obs ObserverInfo, out Sink, processed, inProgress map[uint32]struct{}, counts *Counts) {
	if _, done := processed[id]; done {
		return
	}
	if _, active := inProgress[id]; active {
		e.log.Warn().Uint32("node", id).Msg("dependency cycle between nodes; processing each member once")
		return
	}
	inProgress[id] = struct{}{}
	if node, ok := scene.Node(id); ok {
		for _, dep := range node.DependencyNodeIDs() {
			if dep == id || !e.needsProcessing(dep, scene, st) {
				continue
			}
			e.processWithDeps(dep, scene, st, obs, out, processed, inProgress, counts)
		}
	}
	delete(inProgress, id)
	processed[id] = struct{}{}
	e.processNode(id, scene, st, obs, out, counts)
}

func (e *Engine) needsProcessing(id uint32, scene Scene, st *SceneState) bool {
	if _, dirty := st.dirty[id]; dirty {
		return true
	}
	if st.Known(id) {
		return false
	}
	// A dependency the peer has never heard of must be created first.
	_, ok := scene.Node(id)
	return ok
}

func (e *Engine) processNode(id uint32, scene Scene, st *SceneState, obs ObserverInfo, out Sink, counts *Counts) {
	entry, known := st.nodes[id]
	node, inScene := scene.Node(id)

	switch {
	case known && entry.node == nil:
		// Removal is never throttled: the peer must hear about it exactly
		// once, and the state entry dies the instant the message is queued.
		w := proto.NewWriter()
		w.WriteNetID(id)
		out.Send(channel.ReliableOrdered, proto.MsgRemoveNode, 0, w.Bytes())
		delete(st.nodes, id)
		delete(st.dirty, id)
		counts.NodeRemoves++

	case !known && inScene:
		e.sendCreate(node, st, out, counts)
		delete(st.dirty, id)

	case known && inScene:
		if pol, ok := node.Priority(); ok {
			exempt := pol.AlwaysUpdateOwner && node.OwnerKey() != 0 && node.OwnerKey() == obs.Key
			if !exempt {
				dist := node.Position().DistanceTo(obs.Position)
				if !pol.CheckUpdate(dist, &entry.priorityAcc) {
					// Stays in the dirty set; the accumulator will let it
					// through on a later tick.
					counts.Throttled++
					return
				}
			}
		}
		e.sendUpdates(node, entry, out, counts)
		delete(st.dirty, id)

	default:
		// Created and removed before anything was sent: no messages at all.
		delete(st.dirty, id)
	}
}

func (e *Engine) sendCreate(node Node, st *SceneState, out Sink, counts *Counts) {
	w := proto.NewWriter()
	w.WriteNetID(node.ID())
	node.WriteInitialState(w)

	comps := node.Components()
	w.WriteVarUint(uint64(len(comps)))
	entry := newNodeState(node)
	for _, comp := range comps {
		w.WriteU32(comp.TypeHash())
		w.WriteNetID(comp.ID())
		comp.WriteInitialState(w)
		entry.components[comp.ID()] = &ComponentState{component: comp}
	}
	out.Send(channel.ReliableOrdered, proto.MsgCreateNode, 0, w.Bytes())
	st.nodes[node.ID()] = entry
	counts.NodeCreates++
}

func (e *Engine) sendUpdates(node Node, entry *NodeState, out Sink, counts *Counts) {
	id := node.ID()

	latest := entry.dirtyAttrs & node.LatestMask()
	delta := entry.dirtyAttrs &^ node.LatestMask()
	if delta.Any() || len(entry.dirtyVars) > 0 {
		w := proto.NewWriter()
		w.WriteNetID(id)
		node.WriteDelta(w, delta)
		keys := make([]uint32, 0, len(entry.dirtyVars))
		for k := range entry.dirtyVars {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		node.WriteVars(w, keys)
		out.Send(channel.ReliableOrdered, proto.MsgNodeDeltaUpdate, 0, w.Bytes())
		entry.dirtyAttrs &^= delta
		clear(entry.dirtyVars)
		counts.NodeDeltas++
	}
	if latest.Any() {
		w := proto.NewWriter()
		w.WriteNetID(id)
		node.WriteLatest(w)
		out.Send(channel.Unreliable, proto.MsgNodeLatestData, id, w.Bytes())
		entry.dirtyAttrs &^= latest
		counts.NodeLatests++
	}

	// Component removals before anything else touches the component map.
	for cid, cs := range entry.components {
		if cs.component != nil {
			continue
		}
		w := proto.NewWriter()
		w.WriteNetID(cid)
		out.Send(channel.ReliableOrdered, proto.MsgRemoveComponent, 0, w.Bytes())
		delete(entry.components, cid)
		counts.ComponentRemoves++
	}

	for cid, cs := range entry.components {
		clatest := cs.dirtyAttrs & cs.component.LatestMask()
		cdelta := cs.dirtyAttrs &^ cs.component.LatestMask()
		if cdelta.Any() {
			w := proto.NewWriter()
			w.WriteNetID(cid)
			cs.component.WriteDelta(w, cdelta)
			out.Send(channel.ReliableOrdered, proto.MsgComponentDeltaUpdate, 0, w.Bytes())
			cs.dirtyAttrs &^= cdelta
			counts.ComponentDeltas++
		}
		if clatest.Any() {
			w := proto.NewWriter()
			w.WriteNetID(cid)
			cs.component.WriteLatest(w)
			out.Send(channel.Unreliable, proto.MsgComponentLatestData, cid, w.Bytes())
			cs.dirtyAttrs &^= clatest
			counts.ComponentLatests++
		}
	}

	// Newly added components show up as a count mismatch between the state
	// map and the live component list.
	live := node.Components()
	if len(entry.components) != len(live) {
		for _, comp := range live {
			if _, ok := entry.components[comp.ID()]; ok {
				continue
			}
			w := proto.NewWriter()
			w.WriteNetID(id)
			w.WriteU32(comp.TypeHash())
			w.WriteNetID(comp.ID())
			comp.WriteInitialState(w)
			out.Send(channel.ReliableOrdered, proto.MsgCreateComponent, 0, w.Bytes())
			entry.components[comp.ID()] = &ComponentState{component: comp}
			counts.ComponentCreates++
		}
	}
}
