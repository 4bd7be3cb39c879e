package sheets

import (
	"context"

	"finquest/internal/core"
)

// FailureWriter receives alert records whose delivery was exhausted, for
// reconciliation outside the engine.
type FailureWriter interface {
	Append(ctx context.Context, records []core.AlertRecord) error
}
