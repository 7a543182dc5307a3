package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Reserved node keys. They never name an entity.
const (
	KeyPermissions = "permissions"
	KeyCustomCheck = "customCheck"
)

// CheckContext is handed to a custom check.
type CheckContext struct {
	CurrentUser *UserContext
	Required    *Node
	ResourceID  string
}

// CustomCheck is a predicate attached to a required node. When it reports
// false (or fails) the whole node is treated as missing.
type CustomCheck func(CheckContext) (satisfied bool, err error)

// Node is one level of a permission tree. The same shape serves granted
// trees (from profile metadata) and required trees (per-route declarations).
//
// Children keep their declaration order so computed diffs are stable.
type Node struct {
	// Permissions is the action set granted or required at this key.
	Permissions []string
	// CheckExpr is an expr-lang boolean expression read from configuration.
	// It only takes effect once bound into Check.
	CheckExpr string
	// Check overrides all declarative matching at this node.
	Check CustomCheck

	keys     []string
	children map[string]*Node
}

// NewNode returns a node holding the given actions.
func NewNode(actions ...string) *Node {
	return &Node{Permissions: actions}
}

// Set adds or replaces a child and returns n for chaining.
func (n *Node) Set(key string, child *Node) *Node {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	if _, ok := n.children[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.children[key] = child
	return n
}

// Child returns the child stored under key.
func (n *Node) Child(key string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	c, ok := n.children[key]
	return c, ok
}

// Keys returns the child keys in declaration order.
func (n *Node) Keys() []string {
	if n == nil {
		return nil
	}
	out := make([]string, len(n.keys))
	copy(out, n.keys)
	return out
}

// Len returns the number of children.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	return len(n.keys)
}

// HasCheck reports whether a custom check is declared, bound or not.
func (n *Node) HasCheck() bool {
	return n != nil && (n.Check != nil || n.CheckExpr != "")
}

// IsEmpty reports whether the node requires or grants nothing at all.
func (n *Node) IsEmpty() bool {
	return n == nil || (len(n.Permissions) == 0 && len(n.keys) == 0 && !n.HasCheck())
}

// HasAction reports whether action is in the node's action set.
func (n *Node) HasAction(action string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Permissions {
		if a == action {
			return true
		}
	}
	return false
}

// Rest returns a view of n without its action set: the same children and
// custom check. The receiver is not modified.
func (n *Node) Rest() *Node {
	if n == nil {
		return &Node{}
	}
	return &Node{CheckExpr: n.CheckExpr, Check: n.Check, keys: n.keys, children: n.children}
}

// Without returns a view of n with the given child key dropped.
func (n *Node) Without(key string) *Node {
	out := &Node{Permissions: n.Permissions, CheckExpr: n.CheckExpr, Check: n.Check}
	for _, k := range n.keys {
		if k != key {
			out.Set(k, n.children[k])
		}
	}
	return out
}

// Walk visits n and every descendant depth-first. path is the key path from
// the root; the root itself has an empty path.
func (n *Node) Walk(fn func(path []string, node *Node) error) error {
	return n.walk(nil, fn)
}

func (n *Node) walk(path []string, fn func([]string, *Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(path, n); err != nil {
		return err
	}
	for _, k := range n.keys {
		next := append(append([]string(nil), path...), k)
		if err := n.children[k].walk(next, fn); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON writes the node with its reserved keys first, then children in
// declaration order.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeField := func(key string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(vb)
		return nil
	}
	if n.Permissions != nil {
		if err := writeField(KeyPermissions, n.Permissions); err != nil {
			return nil, err
		}
	}
	if n.CheckExpr != "" {
		if err := writeField(KeyCustomCheck, n.CheckExpr); err != nil {
			return nil, err
		}
	}
	for _, k := range n.keys {
		if err := writeField(k, n.children[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving key order.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("permission node: expected object, got %v", tok)
	}
	*n = Node{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		switch key {
		case KeyPermissions:
			var actions []string
			if err := dec.Decode(&actions); err != nil {
				return fmt.Errorf("permission node: %s: %w", KeyPermissions, err)
			}
			n.Permissions = actions
		case KeyCustomCheck:
			var expr string
			if err := dec.Decode(&expr); err != nil {
				return fmt.Errorf("permission node: %s must be an expression string: %w", KeyCustomCheck, err)
			}
			n.CheckExpr = expr
		default:
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			child := &Node{}
			if err := child.UnmarshalJSON(raw); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			n.Set(key, child)
		}
	}
	_, err = dec.Token()
	return err
}

// UnmarshalYAML reads a mapping node, preserving key order.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("permission node: line %d: expected mapping", value.Line)
	}
	*n = Node{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		val := value.Content[i+1]
		switch key {
		case KeyPermissions:
			var actions []string
			if err := val.Decode(&actions); err != nil {
				return fmt.Errorf("permission node: line %d: %w", val.Line, err)
			}
			n.Permissions = actions
		case KeyCustomCheck:
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("permission node: line %d: %s must be an expression string", val.Line, KeyCustomCheck)
			}
			n.CheckExpr = val.Value
		default:
			child := &Node{}
			if err := child.UnmarshalYAML(val); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			n.Set(key, child)
		}
	}
	return nil
}

// ParseNode decodes a JSON permission tree.
func ParseNode(data []byte) (*Node, error) {
	n := &Node{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}
