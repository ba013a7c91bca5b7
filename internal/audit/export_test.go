package audit

import (
	"context"
	"time"
)

// SetClock overrides the logger's time source for deterministic tests.
func SetClock(l *Logger, now func() time.Time) {
	l.now = now
}

// AnchorBatchForTest exposes anchorBatch to external tests.
func AnchorBatchForTest(b *MerkleBatcher, ctx context.Context) {
	b.anchorBatch(ctx)
}
