// Package browser owns the pool of isolated, fingerprinted browser sessions used to drive
// the registry website.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrDriverStopped is returned when a session is requested while the browser is down.
var ErrDriverStopped = errors.New("browser driver not running")

// Session is one isolated browsing context with its own cookies and storage.
type Session interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// WaitVisible waits up to timeout for selector to become visible.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// HTML returns the rendered document markup.
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Driver starts and stops the underlying browser process and creates sessions in it.
type Driver interface {
	Start(ctx context.Context) error
	NewSession(ctx context.Context, fp Fingerprint) (Session, error)
	Stop() error
	Running() bool
}
