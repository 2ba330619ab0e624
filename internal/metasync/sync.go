// Package metasync keeps the denormalized tree metadata roughly current
// with live replicated state. Every write here is best effort: a failed
// sync is logged and counted, never surfaced to an editing session, and
// the next connect re-derives and overwrites whatever went stale.
package metasync

import (
	"context"

	"github.com/rs/zerolog/log"

	"arbor/internal/crdt"
	"arbor/internal/metrics"
	"arbor/internal/registry"
)

// schemaVersion is stamped into documents that predate versioned
// metadata.
const schemaVersion = "0.0.1"

type metadataStore interface {
	TouchTree(ctx context.Context, treeID, title string, nodeCount int) error
	UpdateLastAccessed(ctx context.Context, treeID string) error
}

// Synchronizer derives title/nodeCount/lastAccessed from a live document
// and writes them through to the metadata store.
type Synchronizer struct {
	store metadataStore
}

func New(store metadataStore) *Synchronizer {
	return &Synchronizer{store: store}
}

// Refresh re-derives the cached title and node count from the document
// and overwrites the metadata record. Returns the store error so callers
// can log it; callers never propagate it to the client.
func (s *Synchronizer) Refresh(ctx context.Context, h *registry.Handle) error {
	s.EnsureSchemaVersion(h)

	rootID := h.View.RootID()
	if rootID == "" {
		// Document not bootstrapped yet; nothing to derive. Still worth
		// recording the access.
		return s.store.UpdateLastAccessed(ctx, h.TreeID)
	}
	title := h.View.Title(rootID)
	count := h.View.NodeCount()
	return s.store.TouchTree(ctx, h.TreeID, title, count)
}

// RefreshAsync runs Refresh on its own goroutine, swallowing and
// recording any failure. This is the connect-path trigger: it must never
// block or fail the session.
func (s *Synchronizer) RefreshAsync(h *registry.Handle) {
	go func() {
		if err := s.Refresh(context.Background(), h); err != nil {
			metrics.MetaSyncFailures.Inc()
			log.Warn().Err(err).Str("tree_id", h.TreeID).Msg("metadata sync failed")
		}
	}()
}

// EnsureSchemaVersion stamps the replicated metadata version on
// documents created before versioning existed.
func (s *Synchronizer) EnsureSchemaVersion(h *registry.Handle) {
	if h.View.Version() != "" {
		return
	}
	h.Doc().Transact(nil, func(tx *crdt.Tx) {
		if _, ok := tx.Meta(crdt.MetaVersion); !ok {
			tx.SetMeta(crdt.MetaVersion, schemaVersion)
		}
	})
}
