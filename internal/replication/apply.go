package replication

import (
	"errors"
	"fmt"

	"emberfall/server/internal/proto"
)

// ErrUnknownEntity reports a delta or latest-data message for an entity the
// local scene does not know. The caller logs and drops it; unreliable traffic
// can legitimately outlive its entity.
var ErrUnknownEntity = errors.New("replication: unknown entity")

// ApplyCreateNode instantiates a node and its components from a full
// snapshot.
func ApplyCreateNode(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	if err := r.Err(); err != nil {
		return 0, err
	}
	node, ok := s.Node(id)
	if !ok {
		created, err := s.CreateNode(id)
		if err != nil {
			return id, err
		}
		node = created
	}
	if err := node.ReadInitialState(r); err != nil {
		return id, err
	}
	count := r.ReadVarUint()
	for i := uint64(0); i < count; i++ {
		typeHash := r.ReadU32()
		cid := r.ReadNetID()
		if err := r.Err(); err != nil {
			return id, err
		}
		comp, ok := node.Component(cid)
		if !ok {
			created, err := node.CreateComponent(typeHash, cid)
			if err != nil {
				return id, fmt.Errorf("node %d: %w", id, err)
			}
			comp = created
		}
		if err := comp.ReadInitialState(r); err != nil {
			return id, err
		}
	}
	return id, r.Err()
}

// ApplyNodeDelta applies a reliable delta (attributes and user variables).
func ApplyNodeDelta(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	node, ok := s.Node(id)
	if !ok {
		return id, ErrUnknownEntity
	}
	if err := node.ReadDelta(r); err != nil {
		return id, err
	}
	return id, r.Err()
}

// ApplyNodeLatest applies an unreliable latest-data update.
func ApplyNodeLatest(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	node, ok := s.Node(id)
	if !ok {
		return id, ErrUnknownEntity
	}
	if _, err := node.ReadLatest(r); err != nil {
		return id, err
	}
	return id, r.Err()
}

// ApplyRemoveNode removes a node.
func ApplyRemoveNode(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	if err := r.Err(); err != nil {
		return id, err
	}
	s.RemoveNode(id)
	return id, nil
}

// ApplyCreateComponent instantiates a component on an existing node.
func ApplyCreateComponent(s Scene, r *proto.Reader) (uint32, error) {
	nodeID := r.ReadNetID()
	node, ok := s.Node(nodeID)
	if !ok {
		return nodeID, ErrUnknownEntity
	}
	typeHash := r.ReadU32()
	cid := r.ReadNetID()
	if err := r.Err(); err != nil {
		return nodeID, err
	}
	comp, ok := node.Component(cid)
	if !ok {
		created, err := node.CreateComponent(typeHash, cid)
		if err != nil {
			return nodeID, err
		}
		comp = created
	}
	if err := comp.ReadInitialState(r); err != nil {
		return nodeID, err
	}
	return nodeID, r.Err()
}

// ApplyComponentDelta applies a reliable component delta.
func ApplyComponentDelta(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	comp, ok := s.Component(id)
	if !ok {
		return id, ErrUnknownEntity
	}
	if err := comp.ReadDelta(r); err != nil {
		return id, err
	}
	return id, r.Err()
}

// ApplyComponentLatest applies an unreliable component latest-data update.
func ApplyComponentLatest(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	comp, ok := s.Component(id)
	if !ok {
		return id, ErrUnknownEntity
	}
	if _, err := comp.ReadLatest(r); err != nil {
		return id, err
	}
	return id, r.Err()
}

// ApplyRemoveComponent removes a component.
func ApplyRemoveComponent(s Scene, r *proto.Reader) (uint32, error) {
	id := r.ReadNetID()
	if err := r.Err(); err != nil {
		return id, err
	}
	s.RemoveComponent(id)
	return id, nil
}
