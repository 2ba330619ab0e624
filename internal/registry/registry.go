// Package registry owns the in-process map from tree id to live
// replicated document. It guarantees at most one in-memory instance per
// id for the process lifetime and binds each instance to the update log
// with a write-behind persister that never blocks the apply path.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"arbor/internal/crdt"
	"arbor/internal/metrics"
	"arbor/internal/persist"
	"arbor/internal/tree"
)

// compactThreshold is the log length past which a loaded history is
// rewritten as one encoded-state snapshot.
const compactThreshold = 100

// loadOrigin marks updates replayed from the log so the persister does
// not write them back.
type loadOrigin struct{}

// Handle is the live in-memory instance of one tree document. Handles
// are never torn down while the process runs, even after the last
// session leaves; reconnecting clients reuse them.
type Handle struct {
	TreeID string
	View   *tree.View

	mu        sync.Mutex
	closed    bool
	persistCh chan []byte
}

// Doc exposes the replication engine of this handle.
func (h *Handle) Doc() *crdt.Doc { return h.View.Doc() }

func (h *Handle) enqueue(update []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		metrics.PersistDropped.Inc()
		return
	}
	select {
	case h.persistCh <- update:
	default:
		metrics.PersistDropped.Inc()
		log.Warn().Str("tree_id", h.TreeID).Msg("write-behind queue full, dropping update")
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.persistCh)
}

// Registry is the authoritative map from tree id to document handle. It
// replaces the module-level doc map of the source with an explicit object
// so tests can run isolated registries side by side.
type Registry struct {
	log persist.UpdateLog

	// loads dedupes concurrent cold loads per tree id, keeping the
	// handle map lock off the log I/O path.
	loads singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
	closed  bool
}

// New constructs a registry over an update log. log may be nil, in which
// case documents live only in memory (used by tests).
func New(updateLog persist.UpdateLog) *Registry {
	return &Registry{
		log:     updateLog,
		handles: make(map[string]*Handle),
	}
}

// Get returns the live handle for treeID, constructing one on first
// access: from the persisted update log when backing data exists, else an
// empty valid shell. Unknown ids are a legitimate "not yet created" state
// and never an error. gcEnabled is fixed for the handle's lifetime by
// whichever call constructs it.
func (r *Registry) Get(ctx context.Context, treeID string, gcEnabled bool) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[treeID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	// The map lock is never held across log I/O: a slow cold load of
	// one tree must not stall access to every other handle. Concurrent
	// first accesses of the same id share one load.
	v, err, _ := r.loads.Do(treeID, func() (any, error) {
		r.mu.Lock()
		if h, ok := r.handles[treeID]; ok {
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		h, err := r.load(ctx, treeID, gcEnabled)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.handles[treeID] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// load replays the persisted history of treeID into a fresh handle and
// wires its write-behind persister.
func (r *Registry) load(ctx context.Context, treeID string, gcEnabled bool) (*Handle, error) {
	var updates [][]byte
	if r.log != nil {
		loaded, err := r.log.Load(ctx, treeID)
		if err != nil {
			return nil, fmt.Errorf("load tree %s: %w", treeID, err)
		}
		updates = loaded
	}

	doc := crdt.NewDoc(uuid.NewString(), gcEnabled)
	h := &Handle{
		TreeID:    treeID,
		View:      tree.NewView(doc),
		persistCh: make(chan []byte, 256),
	}

	for _, update := range updates {
		if err := doc.ApplyUpdate(update, loadOrigin{}); err != nil {
			// A corrupt row cannot be repaired here; skip it and keep the
			// document available.
			log.Error().Err(err).Str("tree_id", treeID).Msg("skipping corrupt persisted update")
		}
	}

	if r.log != nil {
		if len(updates) > compactThreshold {
			if err := r.log.Replace(ctx, treeID, doc.EncodeState()); err != nil {
				metrics.PersistFailures.Inc()
				log.Error().Err(err).Str("tree_id", treeID).Msg("log compaction failed")
			}
		}
		doc.Subscribe(func(update []byte, origin any) {
			if _, fromLoad := origin.(loadOrigin); fromLoad {
				return
			}
			h.enqueue(update)
		})
		r.wg.Add(1)
		go r.persistLoop(h)
	}

	return h, nil
}

// Create allocates a fresh tree id and applies the snapshot as one
// transaction, so no observer ever sees a partially populated tree.
// The snapshot is validated before any handle exists, so a rejected
// snapshot registers nothing.
func (r *Registry) Create(ctx context.Context, snap tree.Snapshot) (string, error) {
	if err := tree.ValidateSnapshot(snap); err != nil {
		return "", err
	}
	treeID := uuid.NewString()
	h, err := r.Get(ctx, treeID, true)
	if err != nil {
		return "", err
	}
	if err := h.View.PatchFromSnapshot(snap, treeID); err != nil {
		return "", err
	}
	return treeID, nil
}

// Duplicate copies the source document's current consistent state into a
// freshly allocated id, preserving node identities and edit history. The
// state blob is taken under the source doc's mutex, so a concurrent
// writer can never interleave mid-read.
func (r *Registry) Duplicate(ctx context.Context, originTreeID string) (string, error) {
	origin, err := r.Get(ctx, originTreeID, true)
	if err != nil {
		return "", err
	}
	state := origin.Doc().EncodeState()

	newTreeID := uuid.NewString()
	h, err := r.Get(ctx, newTreeID, true)
	if err != nil {
		return "", err
	}
	if err := h.Doc().ApplyUpdate(state, nil); err != nil {
		return "", fmt.Errorf("duplicate tree %s: %w", originTreeID, err)
	}
	// The copied state still carries the origin's replicated treeId.
	h.Doc().Transact(nil, func(tx *crdt.Tx) {
		tx.SetMeta(crdt.MetaTreeID, newTreeID)
	})
	return newTreeID, nil
}

// Has reports whether a handle is currently live, without constructing
// one.
func (r *Registry) Has(treeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[treeID]
	return ok
}

// Close stops accepting write-behind work, drains every handle's pending
// updates and waits for the persisters to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistLoop is the single writer goroutine of one handle. Appends run
// outside the apply path; a failed append is logged and counted, never
// retried, and never surfaced to the editing session.
func (r *Registry) persistLoop(h *Handle) {
	defer r.wg.Done()
	for update := range h.persistCh {
		if err := r.log.Append(context.Background(), h.TreeID, update); err != nil {
			metrics.PersistFailures.Inc()
			log.Error().Err(err).Str("tree_id", h.TreeID).Msg("update log append failed")
		}
	}
}
