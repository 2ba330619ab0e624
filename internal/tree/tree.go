// Package tree is the typed, invariant-enforcing view over a replicated
// tree document. It owns the snapshot wire shape, validates structural
// preconditions before mutating, and tolerates the transiently dangling
// references that concurrent partial replication can expose.
package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"arbor/internal/crdt"
)

// Snapshot is the JSON tree shape exchanged with clients: the metadata
// map plus a nodeDict with explicit children arrays.
type Snapshot struct {
	Metadata Metadata            `json:"metadata"`
	NodeDict map[string]NodeJSON `json:"nodeDict"`
}

// Metadata mirrors the replicated metadata map.
type Metadata struct {
	RootID  string `json:"rootId"`
	TreeID  string `json:"treeId,omitempty"`
	Version string `json:"version,omitempty"`
}

// NodeJSON is one node in snapshot form.
type NodeJSON struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Parent       string          `json:"parent"`
	Children     []string        `json:"children"`
	Data         json.RawMessage `json:"data,omitempty"`
	NodeTypeName string          `json:"nodeTypeName"`
	Tabs         json.RawMessage `json:"tabs,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

// Node is a resolved live node.
type Node struct {
	ID           string
	Title        string
	Parent       string
	OrderKey     string
	Data         json.RawMessage
	NodeTypeName string
	Tabs         json.RawMessage
	Tools        json.RawMessage
}

// Structural precondition failures. These are rejected before any write
// lands, never logged after the fact.
var (
	ErrNoRoot        = errors.New("snapshot has no root node")
	ErrMultipleRoots = errors.New("snapshot has more than one root node")
	ErrRootMismatch  = errors.New("snapshot root does not match metadata.rootId")
	ErrDanglingRef   = errors.New("node references a nonexistent id")
	ErrMissingParent = errors.New("parent node does not exist")
	ErrMissingNode   = errors.New("node does not exist")
	ErrDuplicateID   = errors.New("node id already exists")
	ErrCycle         = errors.New("operation would create a cycle")
	ErrOrphan        = errors.New("operation would orphan referenced children")
	ErrRootImmovable = errors.New("root node cannot be moved or deleted")
)

// View provides typed access to one replicated document.
type View struct {
	doc *crdt.Doc
}

// NewView wraps a replicated document.
func NewView(doc *crdt.Doc) *View { return &View{doc: doc} }

// Doc exposes the underlying document for relaying and persistence.
func (v *View) Doc() *crdt.Doc { return v.doc }

// RootID returns the replicated metadata rootId, or "".
func (v *View) RootID() string { return v.doc.MetaString(crdt.MetaRootID) }

// TreeID returns the replicated metadata treeId, or "".
func (v *View) TreeID() string { return v.doc.MetaString(crdt.MetaTreeID) }

// Version returns the replicated schema version, or "".
func (v *View) Version() string { return v.doc.MetaString(crdt.MetaVersion) }

// NodeCount returns the number of live nodes.
func (v *View) NodeCount() int { return v.doc.NodeCount() }

// Node resolves a node by id. Absent or tombstoned nodes return nil
// rather than an error: during a merge window a reference may dangle
// momentarily, and readers are expected to skip it.
func (v *View) Node(id string) *Node {
	if id == "" || !v.doc.NodeExists(id) {
		return nil
	}
	n := &Node{ID: id}
	n.Title = v.nodeString(id, crdt.FieldTitle)
	n.Parent = v.nodeString(id, crdt.FieldParent)
	n.OrderKey = v.nodeString(id, crdt.FieldOrderKey)
	n.NodeTypeName = v.nodeString(id, crdt.FieldNodeType)
	if raw, ok := v.doc.NodeField(id, crdt.FieldData); ok {
		n.Data = raw
	}
	if raw, ok := v.doc.NodeField(id, crdt.FieldTabs); ok {
		n.Tabs = raw
	}
	if raw, ok := v.doc.NodeField(id, crdt.FieldTools); ok {
		n.Tools = raw
	}
	return n
}

// Title returns a node's title, or "" when the node is absent.
func (v *View) Title(id string) string {
	if !v.doc.NodeExists(id) {
		return ""
	}
	return v.nodeString(id, crdt.FieldTitle)
}

// RootTitle returns the root node's title, or "" when the root is not
// resolvable yet.
func (v *View) RootTitle() string { return v.Title(v.RootID()) }

// Children returns the ordered child ids of a node: all live nodes whose
// parent register points at id, sorted by (orderKey, id). A parent that
// does not exist simply has no children.
func (v *View) Children(id string) []string {
	type entry struct {
		id  string
		key string
	}
	var entries []entry
	for _, child := range v.doc.NodeIDs() {
		if child == id {
			continue
		}
		if v.nodeString(child, crdt.FieldParent) != id {
			continue
		}
		entries = append(entries, entry{id: child, key: v.nodeString(child, crdt.FieldOrderKey)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].id < entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Descendants returns every live node below id, depth first.
func (v *View) Descendants(id string) []string {
	var out []string
	for _, child := range v.Children(id) {
		out = append(out, child)
		out = append(out, v.Descendants(child)...)
	}
	return out
}

// Snapshot serializes the current live state back to the wire shape.
// Children arrays are derived from parent/orderKey registers, so the
// output is deterministic for a given replicated state.
func (v *View) Snapshot() Snapshot {
	snap := Snapshot{
		Metadata: Metadata{
			RootID:  v.RootID(),
			TreeID:  v.TreeID(),
			Version: v.Version(),
		},
		NodeDict: make(map[string]NodeJSON),
	}
	for _, id := range v.doc.NodeIDs() {
		n := v.Node(id)
		if n == nil {
			continue
		}
		snap.NodeDict[id] = NodeJSON{
			ID:           id,
			Title:        n.Title,
			Parent:       n.Parent,
			Children:     v.Children(id),
			Data:         n.Data,
			NodeTypeName: n.NodeTypeName,
			Tabs:         n.Tabs,
			Tools:        n.Tools,
		}
	}
	return snap
}

// Validate checks referential integrity of the live state: one root
// matching metadata.rootId, and every parent pointer resolving to a live
// node. Derived children arrays cannot dangle by construction.
func (v *View) Validate() error {
	rootID := v.RootID()
	roots := 0
	for _, id := range v.doc.NodeIDs() {
		parent := v.nodeString(id, crdt.FieldParent)
		if parent == "" {
			roots++
			if rootID != "" && id != rootID {
				return fmt.Errorf("%w: node %s", ErrRootMismatch, id)
			}
			continue
		}
		if !v.doc.NodeExists(parent) {
			return fmt.Errorf("%w: node %s parent %s", ErrDanglingRef, id, parent)
		}
	}
	if roots == 0 {
		return ErrNoRoot
	}
	if roots > 1 {
		return ErrMultipleRoots
	}
	return nil
}

func (v *View) nodeString(id, field string) string {
	raw, ok := v.doc.NodeField(id, field)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ValidateSnapshot enforces the structural invariants before a snapshot
// is applied: exactly one root, the root matching metadata.rootId when
// set, and every parent/children reference resolving inside the snapshot.
func ValidateSnapshot(snap Snapshot) error {
	roots := 0
	var rootID string
	for id, node := range snap.NodeDict {
		if node.Parent == "" {
			roots++
			rootID = id
			continue
		}
		if _, ok := snap.NodeDict[node.Parent]; !ok {
			return fmt.Errorf("%w: node %s parent %s", ErrDanglingRef, id, node.Parent)
		}
	}
	if roots == 0 {
		return ErrNoRoot
	}
	if roots > 1 {
		return ErrMultipleRoots
	}
	if snap.Metadata.RootID != "" && snap.Metadata.RootID != rootID {
		return fmt.Errorf("%w: metadata.rootId %s, root node %s", ErrRootMismatch, snap.Metadata.RootID, rootID)
	}
	for id, node := range snap.NodeDict {
		for _, child := range node.Children {
			if _, ok := snap.NodeDict[child]; !ok {
				return fmt.Errorf("%w: node %s child %s", ErrDanglingRef, id, child)
			}
		}
	}
	return nil
}
