// Package menu holds the IVR menu tree and the navigation engine that walks
// it one DTMF symbol at a time.
//
// A Tree is loaded once and shared read-only by every call. Calls keep a
// Position (cursor plus entered symbols) into the tree and never copy it.
package menu

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeID indexes a node inside a Tree.
type NodeID int

// RootID is the top-level menu of every tree.
const RootID NodeID = 0

// Wildcard matches any symbol a branch does not map explicitly.
const Wildcard = "*"

type Kind int

const (
	Goto Kind = iota + 1
	ForwardNumber
	PreviousMenu
	RepeatOptions
)

var kindNames = map[Kind]string{
	Goto:          "Goto",
	ForwardNumber: "ForwardNumber",
	PreviousMenu:  "PreviousMenu",
	RepeatOptions: "RepeatOptions",
}

var kindFromName = map[string]Kind{
	"Goto":          Goto,
	"ForwardNumber": ForwardNumber,
	"PreviousMenu":  PreviousMenu,
	"RepeatOptions": RepeatOptions,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Action is a leaf of the menu tree. Params is opaque to the engine: a
// routing destination for Goto, a phone number for ForwardNumber.
type Action struct {
	Kind   Kind   `json:"kind"`
	Params string `json:"params,omitempty"`
}

func (a Action) String() string {
	if a.Params == "" {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Params)
}

type node struct {
	action   *Action
	children map[string]NodeID
	prompt   string
	path     string
}

// Tree is an immutable menu. The zero value is not usable; build one with
// Parse, Load or Default.
type Tree struct {
	nodes []node
}

// Load reads a menu tree from a YAML or JSON file.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu tree: %w", err)
	}
	return Parse(data)
}

// Parse decodes a menu tree. JSON input is accepted since YAML is a superset.
//
// A mapping with an "action" key is a leaf; any other mapping is a branch
// whose keys are DTMF symbols, plus an optional "prompt" media reference.
func Parse(data []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse menu tree: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse menu tree: empty document")
	}

	root := doc.Content[0]
	if isLeaf(root) {
		return nil, fmt.Errorf("parse menu tree: root must be a menu, not an action")
	}

	t := &Tree{}
	if _, err := t.add(root, ""); err != nil {
		return nil, fmt.Errorf("parse menu tree: %w", err)
	}
	return t, nil
}

// MustParse is Parse for trees known to be valid at compile time.
func MustParse(data []byte) *Tree {
	t, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return t
}

func isLeaf(n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "action" {
			return true
		}
	}
	return false
}

func (t *Tree) add(n *yaml.Node, path string) (NodeID, error) {
	where := path
	if where == "" {
		where = "root"
	}
	if n.Kind != yaml.MappingNode {
		return 0, fmt.Errorf("%s: expected a mapping (line %d)", where, n.Line)
	}

	if isLeaf(n) {
		act, err := decodeAction(n, where)
		if err != nil {
			return 0, err
		}
		t.nodes = append(t.nodes, node{action: act, path: path})
		return NodeID(len(t.nodes) - 1), nil
	}

	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{children: make(map[string]NodeID), path: path})

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if key.Value == "prompt" {
			if val.Kind != yaml.ScalarNode {
				return 0, fmt.Errorf("%s: prompt must be a string (line %d)", where, val.Line)
			}
			t.nodes[id].prompt = val.Value
			continue
		}
		if !IsSymbol(key.Value) {
			return 0, fmt.Errorf("%s: invalid symbol %q (line %d)", where, key.Value, key.Line)
		}
		if _, dup := t.nodes[id].children[key.Value]; dup {
			return 0, fmt.Errorf("%s: duplicate symbol %q (line %d)", where, key.Value, key.Line)
		}
		childID, err := t.add(val, joinPath(path, key.Value))
		if err != nil {
			return 0, err
		}
		t.nodes[id].children[key.Value] = childID
	}

	if len(t.nodes[id].children) == 0 {
		return 0, fmt.Errorf("%s: menu has no options (line %d)", where, n.Line)
	}
	return id, nil
}

func decodeAction(n *yaml.Node, where string) (*Action, error) {
	var raw struct {
		Action string `yaml:"action"`
		Params string `yaml:"params"`
	}
	if err := n.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	kind, ok := kindFromName[raw.Action]
	if !ok {
		return nil, fmt.Errorf("%s: unknown action %q (line %d)", where, raw.Action, n.Line)
	}
	if (kind == Goto || kind == ForwardNumber) && strings.TrimSpace(raw.Params) == "" {
		return nil, fmt.Errorf("%s: %s requires params (line %d)", where, kind, n.Line)
	}
	return &Action{Kind: kind, Params: raw.Params}, nil
}

func joinPath(parent, sym string) string {
	if parent == "" {
		return sym
	}
	return parent + "." + sym
}

// IsSymbol reports whether s is a single DTMF symbol a menu may map.
func IsSymbol(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#'
}

// Root returns the id of the top-level menu.
func (t *Tree) Root() NodeID { return RootID }

// Len returns the number of nodes, leaves included.
func (t *Tree) Len() int { return len(t.nodes) }

// Path returns the dotted symbol path of a node, "" for the root.
func (t *Tree) Path(id NodeID) string {
	if !t.valid(id) {
		return ""
	}
	return t.nodes[id].path
}

// Label is Path with the root spelled out, for logs and telemetry.
func (t *Tree) Label(id NodeID) string {
	if p := t.Path(id); p != "" {
		return p
	}
	return "root"
}

// Prompt returns the media reference configured on a menu, or "".
func (t *Tree) Prompt(id NodeID) string {
	if !t.valid(id) {
		return ""
	}
	return t.nodes[id].prompt
}

// Options lists the symbols a menu maps, in no particular order.
func (t *Tree) Options(id NodeID) []string {
	if !t.valid(id) {
		return nil
	}
	out := make([]string, 0, len(t.nodes[id].children))
	for sym := range t.nodes[id].children {
		out = append(out, sym)
	}
	return out
}

func (t *Tree) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes)
}

// lookup resolves symbol against the menu at id, falling back to the
// wildcard entry.
func (t *Tree) lookup(id NodeID, symbol string) (NodeID, bool) {
	if !t.valid(id) || t.nodes[id].children == nil {
		return 0, false
	}
	children := t.nodes[id].children
	if IsSymbol(symbol) {
		if child, ok := children[symbol]; ok {
			return child, true
		}
	}
	child, ok := children[Wildcard]
	return child, ok
}
