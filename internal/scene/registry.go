// Package scene provides the in-memory scene graph the replication core
// synchronizes: attribute-table-driven nodes and components, user variable
// maps, dependency links, and scene files with required package lists.
//
// The replication core consumes scenes only through the interfaces in
// internal/replication; this package is the reference implementation used by
// the demo server and the tests.
package scene

import (
	"fmt"

	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// AttrMode selects which path an attribute replicates on.
type AttrMode uint8

const (
	// ModeDelta replicates on the reliable-ordered delta path.
	ModeDelta AttrMode = iota
	// ModeLatest replicates on the unreliable latest-data path, where only
	// the newest value in flight matters.
	ModeLatest
)

// Attribute describes one replicated attribute of a component type. Indices
// into the attribute list are stable and shared by both peers.
type Attribute struct {
	Name    string
	Mode    AttrMode
	Default proto.Variant
}

// ComponentType is a registered component layout.
type ComponentType struct {
	Name  string
	Hash  uint32
	Attrs []Attribute

	latestMask replication.DirtyBits
}

// LatestMask returns the bitset of latest-mode attribute indices.
func (t *ComponentType) LatestMask() replication.DirtyBits {
	return t.latestMask
}

// AttrByName returns the index and layout of the named attribute.
func (t *ComponentType) AttrByName(name string) (int, Attribute, bool) {
	for i, a := range t.Attrs {
		if a.Name == name {
			return i, a, true
		}
	}
	return 0, Attribute{}, false
}

// Registry maps component type hashes to their layouts. Both peers must
// register identical tables; the scene checksum covers them.
type Registry struct {
	byHash map[uint32]*ComponentType
	byName map[string]*ComponentType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash: make(map[uint32]*ComponentType),
		byName: make(map[string]*ComponentType),
	}
}

// Register adds a component type. The hash is derived from the name.
func (r *Registry) Register(name string, attrs []Attribute) (*ComponentType, error) {
	if len(attrs) > 64 {
		return nil, fmt.Errorf("scene: component type %q exceeds 64 attributes", name)
	}
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("scene: component type %q already registered", name)
	}
	t := &ComponentType{
		Name:  name,
		Hash:  proto.Hash(name),
		Attrs: attrs,
	}
	for i, a := range attrs {
		if a.Mode == ModeLatest {
			t.latestMask.Set(i)
		}
	}
	if existing, collision := r.byHash[t.Hash]; collision {
		return nil, fmt.Errorf("scene: type hash collision between %q and %q", name, existing.Name)
	}
	r.byHash[t.Hash] = t
	r.byName[name] = t
	return t, nil
}

// ByHash looks up a component type by wire hash.
func (r *Registry) ByHash(hash uint32) (*ComponentType, bool) {
	t, ok := r.byHash[hash]
	return t, ok
}

// ByName looks up a component type by name.
func (r *Registry) ByName(name string) (*ComponentType, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// DefaultRegistry registers the built-in component set shared by the demo
// server and client.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister := func(name string, attrs []Attribute) {
		if _, err := r.Register(name, attrs); err != nil {
			panic(err)
		}
	}
	mustRegister("StaticModel", []Attribute{
		{Name: "model", Mode: ModeDelta, Default: ""},
		{Name: "tint", Mode: ModeDelta, Default: proto.Vector3{X: 1, Y: 1, Z: 1}},
	})
	mustRegister("RigidBody", []Attribute{
		{Name: "velocity", Mode: ModeLatest, Default: proto.Vector3{}},
		{Name: "mass", Mode: ModeDelta, Default: float32(1)},
	})
	mustRegister("Health", []Attribute{
		{Name: "current", Mode: ModeDelta, Default: float32(100)},
		{Name: "max", Mode: ModeDelta, Default: float32(100)},
	})
	mustRegister("Label", []Attribute{
		{Name: "text", Mode: ModeDelta, Default: ""},
	})
	return r
}
