package tree

import (
	"encoding/json"
	"fmt"
	"sort"

	"arbor/internal/crdt"
)

// SnapshotOrigin marks updates produced by applying a full snapshot, so
// relays can distinguish them from socket traffic.
type SnapshotOrigin struct{}

// PatchFromSnapshot validates a snapshot and applies it as one
// transaction, so no observer ever sees a partially populated tree. The
// replicated treeId is stamped with treeID and the schema version is
// initialized when the snapshot carries none.
func (v *View) PatchFromSnapshot(snap Snapshot, treeID string) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}

	rootID := snap.Metadata.RootID
	if rootID == "" {
		for id, node := range snap.NodeDict {
			if node.Parent == "" {
				rootID = id
			}
		}
	}
	version := snap.Metadata.Version
	if version == "" {
		version = "0.0.1"
	}

	v.doc.Transact(SnapshotOrigin{}, func(tx *crdt.Tx) {
		tx.SetMeta(crdt.MetaRootID, rootID)
		tx.SetMeta(crdt.MetaVersion, version)
		if treeID != "" {
			tx.SetMeta(crdt.MetaTreeID, treeID)
		}
		for id, node := range snap.NodeDict {
			writeNodeFields(tx, id, node)
		}
		// Children order comes from the snapshot's explicit arrays.
		for _, parent := range sortedKeys(snap.NodeDict) {
			key := ""
			for _, child := range snap.NodeDict[parent].Children {
				key = crdt.KeyBetween(key, "")
				tx.SetNodeField(child, crdt.FieldOrderKey, key)
			}
		}
	})
	return nil
}

// InsertNode adds a node under parentID, positioned after the sibling
// afterID (or appended when afterID is ""). The parent must exist and the
// id must be fresh; both are checked before anything is written.
func (v *View) InsertNode(node NodeJSON, parentID, afterID string) error {
	if node.ID == "" {
		return fmt.Errorf("insert node: empty id")
	}
	if !v.doc.NodeExists(parentID) {
		return fmt.Errorf("insert node %s: %w", node.ID, ErrMissingParent)
	}
	if v.doc.NodeExists(node.ID) {
		return fmt.Errorf("insert node %s: %w", node.ID, ErrDuplicateID)
	}

	orderKey := v.keyForPosition(parentID, afterID)
	node.Parent = parentID
	v.doc.Transact(nil, func(tx *crdt.Tx) {
		writeNodeFields(tx, node.ID, node)
		tx.SetNodeField(node.ID, crdt.FieldOrderKey, orderKey)
	})
	return nil
}

// MoveNode reparents a node, positioned after the sibling afterID under
// the new parent. Moves that would place a node under its own subtree
// are rejected before application.
func (v *View) MoveNode(id, newParentID, afterID string) error {
	if !v.doc.NodeExists(id) {
		return fmt.Errorf("move node %s: %w", id, ErrMissingNode)
	}
	if !v.doc.NodeExists(newParentID) {
		return fmt.Errorf("move node %s: %w", id, ErrMissingParent)
	}
	if id == v.RootID() {
		return fmt.Errorf("move node %s: %w", id, ErrRootImmovable)
	}
	// Walk up from the target parent; hitting the moved node means the
	// move would put the node inside its own subtree.
	for cursor := newParentID; cursor != ""; cursor = v.nodeString(cursor, crdt.FieldParent) {
		if cursor == id {
			return fmt.Errorf("move node %s under %s: %w", id, newParentID, ErrCycle)
		}
	}

	orderKey := v.keyForPosition(newParentID, afterID)
	v.doc.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField(id, crdt.FieldParent, newParentID)
		tx.SetNodeField(id, crdt.FieldOrderKey, orderKey)
	})
	return nil
}

// DeleteNode tombstones a node. A node that still has children cannot be
// deleted; deleting it would orphan them.
func (v *View) DeleteNode(id string) error {
	if !v.doc.NodeExists(id) {
		return fmt.Errorf("delete node %s: %w", id, ErrMissingNode)
	}
	if id == v.RootID() {
		return fmt.Errorf("delete node %s: %w", id, ErrRootImmovable)
	}
	if len(v.Children(id)) > 0 {
		return fmt.Errorf("delete node %s: %w", id, ErrOrphan)
	}
	v.doc.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField(id, crdt.FieldDeleted, true)
	})
	return nil
}

// SetTitle updates a node's title.
func (v *View) SetTitle(id, title string) error {
	if !v.doc.NodeExists(id) {
		return fmt.Errorf("set title %s: %w", id, ErrMissingNode)
	}
	v.doc.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField(id, crdt.FieldTitle, title)
	})
	return nil
}

// SetData replaces a node's opaque data payload.
func (v *View) SetData(id string, data json.RawMessage) error {
	if !v.doc.NodeExists(id) {
		return fmt.Errorf("set data %s: %w", id, ErrMissingNode)
	}
	v.doc.Transact(nil, func(tx *crdt.Tx) {
		tx.SetNodeField(id, crdt.FieldData, data)
	})
	return nil
}

// keyForPosition computes the order key that places a node after afterID
// among parentID's children, appending when afterID is "" or unknown.
func (v *View) keyForPosition(parentID, afterID string) string {
	siblings := v.Children(parentID)
	if afterID == "" {
		last := ""
		if len(siblings) > 0 {
			last = v.nodeString(siblings[len(siblings)-1], crdt.FieldOrderKey)
		}
		return crdt.KeyBetween(last, "")
	}
	for i, sib := range siblings {
		if sib != afterID {
			continue
		}
		after := v.nodeString(sib, crdt.FieldOrderKey)
		next := ""
		if i+1 < len(siblings) {
			next = v.nodeString(siblings[i+1], crdt.FieldOrderKey)
		}
		return crdt.KeyBetween(after, next)
	}
	// Position target vanished under a concurrent edit: append.
	last := ""
	if len(siblings) > 0 {
		last = v.nodeString(siblings[len(siblings)-1], crdt.FieldOrderKey)
	}
	return crdt.KeyBetween(last, "")
}

func writeNodeFields(tx *crdt.Tx, id string, node NodeJSON) {
	tx.SetNodeField(id, crdt.FieldTitle, node.Title)
	tx.SetNodeField(id, crdt.FieldParent, node.Parent)
	tx.SetNodeField(id, crdt.FieldNodeType, node.NodeTypeName)
	tx.SetNodeField(id, crdt.FieldDeleted, false)
	if node.Data != nil {
		tx.SetNodeField(id, crdt.FieldData, node.Data)
	}
	if node.Tabs != nil {
		tx.SetNodeField(id, crdt.FieldTabs, node.Tabs)
	}
	if node.Tools != nil {
		tx.SetNodeField(id, crdt.FieldTools, node.Tools)
	}
}

func sortedKeys(m map[string]NodeJSON) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic iteration keeps patch transactions reproducible.
	sort.Strings(keys)
	return keys
}
