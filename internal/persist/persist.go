// Package persist stores the replicated update history of each tree.
// Updates are idempotent by construction, so delivering one twice (a
// retried write, a crash between apply and append) can never corrupt
// the document it rebuilds.
package persist

import "context"

// UpdateLog is the durable adapter behind the document registry. Load
// returns the stored updates for a tree in append order; an unknown tree
// returns an empty slice, not an error. Replace swaps the whole log for
// one compacted state blob.
type UpdateLog interface {
	Load(ctx context.Context, treeID string) ([][]byte, error)
	Append(ctx context.Context, treeID string, update []byte) error
	Replace(ctx context.Context, treeID string, state []byte) error
}
