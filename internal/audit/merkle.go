package audit

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jameslatto-droid/plk-kb/internal/integrity"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
)

// MerkleStore is the subset of storage.DB used by the periodic batching loop.
type MerkleStore interface {
	LatestMerkleRoot(ctx context.Context) (string, error)
	EventHashesSince(ctx context.Context, since, until time.Time) ([]string, error)
	InsertMerkleBatch(ctx context.Context, e storage.MerkleBatchEntry) error
}

// MerkleBatcher periodically anchors a Merkle root over the audit_log events
// written since its last run, chaining each batch's previous_root to the
// last one so a gap or rewrite in the chain is detectable.
type MerkleBatcher struct {
	store    MerkleStore
	logger   *slog.Logger
	interval time.Duration
	lastEnd  time.Time
}

// NewMerkleBatcher creates a batcher that anchors every interval.
func NewMerkleBatcher(store MerkleStore, logger *slog.Logger, interval time.Duration) *MerkleBatcher {
	return &MerkleBatcher{store: store, logger: logger, interval: interval}
}

// Run blocks, anchoring a batch every interval until ctx is cancelled.
func (b *MerkleBatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			b.anchorBatch(opCtx)
			cancel()
		}
	}
}

func (b *MerkleBatcher) anchorBatch(ctx context.Context) {
	now := time.Now().UTC()

	previousRoot, err := b.store.LatestMerkleRoot(ctx)
	if err != nil {
		b.logger.Warn("merkle batch: get latest root failed", "error", err)
		return
	}

	batchStart := b.lastEnd
	hashes, err := b.store.EventHashesSince(ctx, batchStart, now)
	if err != nil {
		b.logger.Warn("merkle batch: get event hashes failed", "error", err)
		return
	}
	if len(hashes) == 0 {
		return
	}

	// BuildMerkleRoot requires a caller-determined leaf order; sort explicitly
	// rather than relying on EventHashesSince's row-id ordering.
	sort.Strings(hashes)
	root := integrity.BuildMerkleRoot(hashes)

	batch := storage.MerkleBatchEntry{
		BatchStart:   batchStart,
		BatchEnd:     now,
		EventCount:   len(hashes),
		RootHash:     root,
		PreviousRoot: previousRoot,
	}
	if err := b.store.InsertMerkleBatch(ctx, batch); err != nil {
		b.logger.Warn("merkle batch: insert failed", "error", err)
		return
	}

	b.lastEnd = now
	b.logger.Info("merkle batch: anchored", "event_count", len(hashes), "root_hash", root)
}
