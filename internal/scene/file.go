package scene

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"emberfall/server/internal/proto"
)

type sceneFile struct {
	Name     string     `json:"name"`
	Packages []string   `json:"packages"`
	Nodes    []nodeFile `json:"nodes"`
}

type nodeFile struct {
	Name       string                     `json:"name"`
	Position   *[3]float32                `json:"position"`
	Rotation   *[4]float32                `json:"rotation"`
	Scale      *[3]float32                `json:"scale"`
	Vars       map[string]json.RawMessage `json:"vars"`
	DependsOn  []string                   `json:"depends_on"`
	Components []componentFile            `json:"components"`
}

type componentFile struct {
	Type  string                     `json:"type"`
	Attrs map[string]json.RawMessage `json:"attrs"`
}

// LoadFile implements replication.Scene: clear the scene and rebuild it from
// a JSON scene file. The file name recorded for clients is the base name
// only.
func (s *Scene) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("scene: read %s: %w", path, err)
	}
	var file sceneFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("scene: parse %s: %w", path, err)
	}

	s.Clear()
	s.fileName = filepath.Base(path)
	s.packageNames = append([]string(nil), file.Packages...)

	byName := make(map[string]*Node, len(file.Nodes))
	for i, nf := range file.Nodes {
		if nf.Name == "" {
			return fmt.Errorf("scene: %s: node %d has no name", path, i)
		}
		if _, dup := byName[nf.Name]; dup {
			return fmt.Errorf("scene: %s: duplicate node name %q", path, nf.Name)
		}
		n := s.CreateChild(nf.Name)
		byName[nf.Name] = n
		if nf.Position != nil {
			n.SetPosition(proto.Vector3{X: nf.Position[0], Y: nf.Position[1], Z: nf.Position[2]})
		}
		if nf.Rotation != nil {
			n.SetRotation(proto.Quaternion{W: nf.Rotation[0], X: nf.Rotation[1], Y: nf.Rotation[2], Z: nf.Rotation[3]})
		}
		if nf.Scale != nil {
			n.SetScale(proto.Vector3{X: nf.Scale[0], Y: nf.Scale[1], Z: nf.Scale[2]})
		}
		for key, raw := range nf.Vars {
			v, err := decodeVariant(raw)
			if err != nil {
				return fmt.Errorf("scene: %s: node %q var %q: %w", path, nf.Name, key, err)
			}
			n.SetVar(key, v)
		}
		for _, cf := range nf.Components {
			typ, ok := s.registry.ByName(cf.Type)
			if !ok {
				return fmt.Errorf("scene: %s: node %q: unknown component type %q", path, nf.Name, cf.Type)
			}
			comp, err := n.AddComponent(cf.Type)
			if err != nil {
				return fmt.Errorf("scene: %s: node %q: %w", path, nf.Name, err)
			}
			for attrName, raw := range cf.Attrs {
				idx, attr, ok := typ.AttrByName(attrName)
				if !ok {
					return fmt.Errorf("scene: %s: node %q: %s has no attribute %q", path, nf.Name, cf.Type, attrName)
				}
				v, err := decodeVariantAs(raw, attr.Default)
				if err != nil {
					return fmt.Errorf("scene: %s: node %q: %s.%s: %w", path, nf.Name, cf.Type, attrName, err)
				}
				if err := comp.SetAttr(idx, v); err != nil {
					return fmt.Errorf("scene: %s: node %q: %s.%s: %w", path, nf.Name, cf.Type, attrName, err)
				}
			}
		}
	}

	for _, nf := range file.Nodes {
		if len(nf.DependsOn) == 0 {
			continue
		}
		n := byName[nf.Name]
		for _, depName := range nf.DependsOn {
			dep, ok := byName[depName]
			if !ok {
				return fmt.Errorf("scene: %s: node %q depends on unknown node %q", path, nf.Name, depName)
			}
			n.AddDependency(dep.ID())
		}
	}

	s.RefreshChecksum()
	return nil
}

// decodeVariant maps untyped JSON values onto the variant model. Numbers
// become float64, matching how user variables are typically authored.
func decodeVariant(raw json.RawMessage) (proto.Variant, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case float64:
		return val, nil
	case string:
		return val, nil
	case []any:
		if len(val) != 3 {
			return nil, fmt.Errorf("array variant must have 3 elements, got %d", len(val))
		}
		var arr [3]float32
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		return proto.Vector3{X: arr[0], Y: arr[1], Z: arr[2]}, nil
	default:
		return nil, fmt.Errorf("unsupported variant value %T", v)
	}
}

// decodeVariantAs decodes a JSON value into the same variant kind as the
// attribute's declared default, so wire tags stay stable across updates.
func decodeVariantAs(raw json.RawMessage, def proto.Variant) (proto.Variant, error) {
	switch def.(type) {
	case int32:
		var v int32
		err := json.Unmarshal(raw, &v)
		return v, err
	case int64:
		var v int64
		err := json.Unmarshal(raw, &v)
		return v, err
	case bool:
		var v bool
		err := json.Unmarshal(raw, &v)
		return v, err
	case float32:
		var v float32
		err := json.Unmarshal(raw, &v)
		return v, err
	case float64:
		var v float64
		err := json.Unmarshal(raw, &v)
		return v, err
	case string:
		var v string
		err := json.Unmarshal(raw, &v)
		return v, err
	case proto.Vector3:
		var arr [3]float32
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		return proto.Vector3{X: arr[0], Y: arr[1], Z: arr[2]}, nil
	case proto.Quaternion:
		var arr [4]float32
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		return proto.Quaternion{W: arr[0], X: arr[1], Y: arr[2], Z: arr[3]}, nil
	default:
		return nil, fmt.Errorf("attribute has unsupported default type %T", def)
	}
}
