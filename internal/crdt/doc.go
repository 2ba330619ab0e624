// Package crdt implements the replicated document engine behind the
// collaborative tree documents. Every replicated field is a last-writer-wins
// register stamped with a Lamport clock; merging keeps the greater stamp.
// That merge is commutative, associative and idempotent, so replicas that
// receive the same updates in any order, any number of times, converge.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Engine is the replication contract the rest of the system depends on.
// The session layer relays opaque update blobs through it; it never
// inspects their contents.
type Engine interface {
	ApplyUpdate(update []byte, origin any) error
	EncodeState() []byte
	Subscribe(fn UpdateHandler)
}

// UpdateHandler receives every update applied to a document together with
// the origin value passed by whoever produced it. Handlers run on the
// applying goroutine and must not block.
type UpdateHandler func(update []byte, origin any)

// Clock is a Lamport stamp. Actor breaks ties between counters issued
// concurrently by different replicas.
type Clock struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a"`
}

// Less reports whether c is ordered before other.
func (c Clock) Less(other Clock) bool {
	if c.Counter != other.Counter {
		return c.Counter < other.Counter
	}
	return c.Actor < other.Actor
}

type register struct {
	clock Clock
	value json.RawMessage
}

// Field names of the replicated node record.
const (
	FieldTitle    = "title"
	FieldParent   = "parent"
	FieldOrderKey = "orderKey"
	FieldData     = "data"
	FieldNodeType = "nodeTypeName"
	FieldTabs     = "tabs"
	FieldTools    = "tools"
	FieldDeleted  = "deleted"
)

// Metadata field names.
const (
	MetaRootID  = "rootId"
	MetaTreeID  = "treeId"
	MetaVersion = "version"
)

// Doc is one replicated tree document: a metadata map and a node map,
// mirroring the two top-level maps of the source document model. All
// methods are safe for concurrent use; applies are serialized by the doc
// mutex so observers never see a partially applied update.
type Doc struct {
	actor string
	gc    bool

	mu      sync.Mutex
	counter uint64
	meta    map[string]register
	nodes   map[string]map[string]register
	subs    []UpdateHandler
}

// NewDoc constructs an empty document. actor must be unique per replica.
// gc is fixed for the document's lifetime: when enabled, deleting a node
// compacts its registers down to the tombstone.
func NewDoc(actor string, gc bool) *Doc {
	return &Doc{
		actor: actor,
		gc:    gc,
		meta:  make(map[string]register),
		nodes: make(map[string]map[string]register),
	}
}

// GCEnabled reports the tombstone-compaction mode chosen at construction.
func (d *Doc) GCEnabled() bool { return d.gc }

// Subscribe registers fn for every subsequently applied update, local or
// remote.
func (d *Doc) Subscribe(fn UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// ApplyUpdate merges an update blob into the document. Applying the same
// blob again is a no-op. origin is forwarded to subscribers so relays can
// avoid echoing an update to the socket that sent it.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, op := range ops {
		d.applyOp(op)
	}
	subs := d.subs
	d.mu.Unlock()

	for _, fn := range subs {
		fn(update, origin)
	}
	return nil
}

// applyOp merges one register assignment. Caller holds d.mu.
func (d *Doc) applyOp(op op) {
	if op.Clock.Counter > d.counter {
		d.counter = op.Clock.Counter
	}
	if op.Node == "" {
		cur, ok := d.meta[op.Field]
		if !ok || cur.clock.Less(op.Clock) {
			d.meta[op.Field] = register{clock: op.Clock, value: op.Value}
		}
		return
	}

	fields, ok := d.nodes[op.Node]
	if !ok {
		fields = make(map[string]register)
		d.nodes[op.Node] = fields
	}
	cur, ok := fields[op.Field]
	if ok && !cur.clock.Less(op.Clock) {
		return
	}
	fields[op.Field] = register{clock: op.Clock, value: op.Value}

	if d.gc && op.Field == FieldDeleted && isTrue(op.Value) {
		// Tombstone compaction: only the deletion marker survives.
		d.nodes[op.Node] = map[string]register{FieldDeleted: fields[FieldDeleted]}
	}
}

// EncodeState serializes the entire document as one update blob taken
// under the doc mutex, so it is always a consistent cut, never a partial
// in-flight transaction.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []op
	for field, reg := range d.meta {
		ops = append(ops, op{Field: field, Clock: reg.clock, Value: reg.value})
	}
	for nodeID, fields := range d.nodes {
		for field, reg := range fields {
			ops = append(ops, op{Node: nodeID, Field: field, Clock: reg.clock, Value: reg.value})
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Node != ops[j].Node {
			return ops[i].Node < ops[j].Node
		}
		return ops[i].Field < ops[j].Field
	})
	return encodeUpdate(ops)
}

// Transact runs fn against a transaction, applies the collected
// assignments atomically and notifies subscribers with one update blob.
// Observers either see all of the transaction's writes or none.
func (d *Doc) Transact(origin any, fn func(tx *Tx)) []byte {
	d.mu.Lock()
	tx := &Tx{doc: d}
	fn(tx)
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return nil
	}
	for _, op := range tx.ops {
		d.applyOp(op)
	}
	update := encodeUpdate(tx.ops)
	subs := d.subs
	d.mu.Unlock()

	for _, sub := range subs {
		sub(update, origin)
	}
	return update
}

// Tx collects register writes inside a Transact call. It also exposes
// reads so mutation helpers can validate against the state the writes
// will land on.
type Tx struct {
	doc *Doc
	ops []op
}

func (tx *Tx) stamp() Clock {
	tx.doc.counter++
	return Clock{Counter: tx.doc.counter, Actor: tx.doc.actor}
}

// SetMeta writes a metadata register.
func (tx *Tx) SetMeta(field string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("crdt: unencodable meta value for %s: %v", field, err))
	}
	tx.ops = append(tx.ops, op{Field: field, Clock: tx.stamp(), Value: raw})
}

// SetNodeField writes one field register of a node.
func (tx *Tx) SetNodeField(nodeID, field string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("crdt: unencodable value for %s.%s: %v", nodeID, field, err))
	}
	tx.ops = append(tx.ops, op{Node: nodeID, Field: field, Clock: tx.stamp(), Value: raw})
}

// Meta reads a metadata register, preferring a value written earlier in
// this transaction.
func (tx *Tx) Meta(field string) (json.RawMessage, bool) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if tx.ops[i].Node == "" && tx.ops[i].Field == field {
			return tx.ops[i].Value, true
		}
	}
	reg, ok := tx.doc.meta[field]
	if !ok {
		return nil, false
	}
	return reg.value, true
}

// NodeField reads a node field register, preferring a value written
// earlier in this transaction.
func (tx *Tx) NodeField(nodeID, field string) (json.RawMessage, bool) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if tx.ops[i].Node == nodeID && tx.ops[i].Field == field {
			return tx.ops[i].Value, true
		}
	}
	fields, ok := tx.doc.nodes[nodeID]
	if !ok {
		return nil, false
	}
	reg, ok := fields[field]
	if !ok {
		return nil, false
	}
	return reg.value, true
}

// Meta reads a metadata register.
func (d *Doc) Meta(field string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.meta[field]
	if !ok {
		return nil, false
	}
	return reg.value, true
}

// MetaString reads a metadata register as a string; absent or non-string
// values read as "".
func (d *Doc) MetaString(field string) string {
	raw, ok := d.Meta(field)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// NodeField reads one field register of a node.
func (d *Doc) NodeField(nodeID, field string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fields, ok := d.nodes[nodeID]
	if !ok {
		return nil, false
	}
	reg, ok := fields[field]
	if !ok {
		return nil, false
	}
	return reg.value, true
}

// NodeExists reports whether a node is present and not tombstoned.
func (d *Doc) NodeExists(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked(nodeID)
}

func (d *Doc) liveLocked(nodeID string) bool {
	fields, ok := d.nodes[nodeID]
	if !ok {
		return false
	}
	if del, ok := fields[FieldDeleted]; ok && isTrue(del.value) {
		return false
	}
	return true
}

// NodeIDs returns the ids of all live nodes, sorted.
func (d *Doc) NodeIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		if d.liveLocked(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NodeCount returns the number of live nodes.
func (d *Doc) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id := range d.nodes {
		if d.liveLocked(id) {
			n++
		}
	}
	return n
}

func isTrue(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}
