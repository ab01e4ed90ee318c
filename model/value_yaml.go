package model

import "gopkg.in/yaml.v3"

// UnmarshalYAML implements yaml.v3's node-based Unmarshaler so a Value
// can appear anywhere a pack definition needs a scalar, list, or nested
// mapping (rule predicate values, pack metadata overrides).
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var a any
	if err := node.Decode(&a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}

// MarshalYAML implements yaml.v3's Marshaler, rendering back through the
// same tree FromAny understands.
func (v Value) MarshalYAML() (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindNumber:
		return v.n, nil
	case KindString:
		return v.s, nil
	case KindArray:
		return v.arr, nil
	case KindObject:
		return v.obj, nil
	default:
		return nil, nil
	}
}
