// Package source defines the PriceSource capability: the abstracted
// external feed that supplies price samples for a symbol. Concrete
// implementations live in subpackages (ws, sim).
package source

import (
	"context"
	"errors"
	"time"
)

// ErrSymbolNotFound reports that a symbol does not resolve on the source.
// Open fails with it and the caller gives up instead of retrying forever.
var ErrSymbolNotFound = errors.New("symbol not found on source")

// ErrHandleClosed reports an operation on a handle whose underlying
// session is gone. The ingestion controller treats it as a source crash
// and runs its restart policy.
var ErrHandleClosed = errors.New("source handle closed")

// Sample is one observed price. Display carries the source's original
// formatted text (possibly with thousands separators); consumers parse it
// when they need the numeric value.
type Sample struct {
	Symbol  string
	Display string
	Time    time.Time
}

// Handle is one live feed session for a single symbol. A handle is owned
// exclusively by one ingestion session and is never shared across tasks.
type Handle interface {
	// Symbol returns the symbol this handle serves.
	Symbol() string

	// ReadCurrentPrice returns the latest sample, or nil when the source
	// has not produced one yet.
	ReadCurrentPrice(ctx context.Context) (*Sample, error)

	// WaitForChange blocks until the current sample differs from last, the
	// timeout elapses (false, nil), or the handle dies.
	WaitForChange(ctx context.Context, last string, timeout time.Duration) (bool, error)

	// Alive reports whether the underlying session is still usable.
	Alive() bool

	// Close releases the session. Closing twice is safe.
	Close() error
}

// PriceSource opens validated feed sessions. Open must verify the symbol
// actually resolves to live data before returning.
type PriceSource interface {
	Open(ctx context.Context, symbol string) (Handle, error)
}
