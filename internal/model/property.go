package model

import (
	"fmt"
	"strconv"
)

// PropertyKind discriminates the shapes a Property can take.
type PropertyKind uint8

const (
	// PropertyLeaf carries a scalar rendered as text in Value.
	PropertyLeaf PropertyKind = iota
	// PropertyGroup carries named Children.
	PropertyGroup
	// PropertyVector carries positional Children.
	PropertyVector
	// PropertyOption carries zero or one child.
	PropertyOption
)

func (k PropertyKind) String() string {
	switch k {
	case PropertyLeaf:
		return "leaf"
	case PropertyGroup:
		return "group"
	case PropertyVector:
		return "vector"
	case PropertyOption:
		return "option"
	default:
		return fmt.Sprintf("PropertyKind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name so JSON payloads stay readable.
func (k PropertyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *PropertyKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "leaf":
		*k = PropertyLeaf
	case "group":
		*k = PropertyGroup
	case "vector":
		*k = PropertyVector
	case "option":
		*k = PropertyOption
	default:
		return fmt.Errorf("unknown property kind %q", b)
	}
	return nil
}

// Property is a process or stream attribute. The variant is fixed when the
// attribute is parsed; consumers switch on Kind instead of probing fields.
type Property struct {
	Name     string       `json:"name"`
	Kind     PropertyKind `json:"kind"`
	Value    string       `json:"value,omitempty"`
	Children []Property   `json:"children,omitempty"`
}

// Leaf builds a scalar property.
func Leaf(name, value string) Property {
	return Property{Name: name, Kind: PropertyLeaf, Value: value}
}

// Flatten returns dotted-path → text pairs for every leaf below p, in
// depth-first order. Vector elements are addressed by index, an empty
// option yields "<none>".
func (p Property) Flatten() [][2]string {
	var out [][2]string
	p.flatten("", &out)
	return out
}

func (p Property) flatten(prefix string, out *[][2]string) {
	path := p.Name
	if prefix != "" {
		path = prefix + "." + p.Name
	}
	switch p.Kind {
	case PropertyLeaf:
		*out = append(*out, [2]string{path, p.Value})
	case PropertyOption:
		if len(p.Children) == 0 {
			*out = append(*out, [2]string{path, "<none>"})
			return
		}
		c := p.Children[0]
		c.Name = p.Name
		c.flatten(prefix, out)
	case PropertyGroup:
		for _, c := range p.Children {
			c.flatten(path, out)
		}
	case PropertyVector:
		for i, c := range p.Children {
			c.Name = strconv.Itoa(i)
			c.flatten(path, out)
		}
	}
}

// LookupProperty returns the top level property called name.
func LookupProperty(props []Property, name string) (Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
