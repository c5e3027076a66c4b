package scene

import (
	"fmt"

	"emberfall/server/internal/proto"
	"emberfall/server/internal/replication"
)

// Component is an attribute-table-driven component instance.
type Component struct {
	id     uint32
	typ    *ComponentType
	values []proto.Variant
	node   *Node
}

func newComponent(id uint32, typ *ComponentType, node *Node) *Component {
	values := make([]proto.Variant, len(typ.Attrs))
	for i, a := range typ.Attrs {
		values[i] = a.Default
	}
	return &Component{id: id, typ: typ, values: values, node: node}
}

// ID returns the component's entity id.
func (c *Component) ID() uint32 {
	return c.id
}

// TypeHash returns the registered type hash.
func (c *Component) TypeHash() uint32 {
	return c.typ.Hash
}

// TypeName returns the registered type name.
func (c *Component) TypeName() string {
	return c.typ.Name
}

// Node returns the owning node.
func (c *Component) Node() *Node {
	return c.node
}

// Attr returns the value at a stable attribute index.
func (c *Component) Attr(index int) (proto.Variant, bool) {
	if index < 0 || index >= len(c.values) {
		return nil, false
	}
	return c.values[index], true
}

// AttrByName returns the value of a named attribute.
func (c *Component) AttrByName(name string) (proto.Variant, bool) {
	for i, a := range c.typ.Attrs {
		if a.Name == name {
			return c.values[i], true
		}
	}
	return nil, false
}

// SetAttr stores a value and marks the attribute dirty for every observer.
func (c *Component) SetAttr(index int, v proto.Variant) error {
	if index < 0 || index >= len(c.values) {
		return fmt.Errorf("scene: attribute index %d out of range for %s", index, c.typ.Name)
	}
	c.values[index] = v
	if c.node != nil && c.node.scene != nil {
		var bits replication.DirtyBits
		bits.Set(index)
		c.node.scene.componentDirtied(c.node.id, c.id, bits)
	}
	return nil
}

// SetAttrByName stores a value under a named attribute.
func (c *Component) SetAttrByName(name string, v proto.Variant) error {
	for i, a := range c.typ.Attrs {
		if a.Name == name {
			return c.SetAttr(i, v)
		}
	}
	return fmt.Errorf("scene: no attribute %q on %s", name, c.typ.Name)
}

// LatestMask implements replication.Component.
func (c *Component) LatestMask() replication.DirtyBits {
	return c.typ.LatestMask()
}

// WriteInitialState writes every attribute value in index order.
func (c *Component) WriteInitialState(w *proto.Writer) {
	for _, v := range c.values {
		w.WriteVariant(v)
	}
}

// ReadInitialState reads every attribute value in index order.
func (c *Component) ReadInitialState(r *proto.Reader) error {
	for i := range c.values {
		c.values[i] = r.ReadVariant()
	}
	return r.Err()
}

// WriteDelta writes the dirty bitset followed by the selected values.
func (c *Component) WriteDelta(w *proto.Writer, dirty replication.DirtyBits) {
	w.WriteVarUint(uint64(dirty))
	for i := range c.values {
		if dirty.IsSet(i) {
			w.WriteVariant(c.values[i])
		}
	}
}

// ReadDelta reads a bitset-selected attribute update.
func (c *Component) ReadDelta(r *proto.Reader) error {
	dirty := replication.DirtyBits(r.ReadVarUint())
	for i := range c.values {
		if dirty.IsSet(i) {
			c.values[i] = r.ReadVariant()
		}
	}
	return r.Err()
}

// WriteLatest writes the latest-mode attribute values in index order.
func (c *Component) WriteLatest(w *proto.Writer) {
	mask := c.typ.LatestMask()
	for i := range c.values {
		if mask.IsSet(i) {
			w.WriteVariant(c.values[i])
		}
	}
}

// ReadLatest reads the latest-mode attribute values in index order.
func (c *Component) ReadLatest(r *proto.Reader) (bool, error) {
	mask := c.typ.LatestMask()
	for i := range c.values {
		if mask.IsSet(i) {
			c.values[i] = r.ReadVariant()
		}
	}
	return false, r.Err()
}
