package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned when a required secret or endpoint is missing.
// Callers treat it as a silent short-circuit; it is reported once at startup.
var ErrNotConfigured = errors.New("transport not configured")

type UnitKind string

const (
	UnitText  UnitKind = "text"
	UnitImage UnitKind = "image"
)

// Unit is one message bubble delivered to a recipient. Units are delivered
// in slice order.
type Unit struct {
	Kind     UnitKind
	Text     string
	ImageURL string
}

func Text(s string) Unit     { return Unit{Kind: UnitText, Text: s} }
func Image(url string) Unit  { return Unit{Kind: UnitImage, ImageURL: url} }
func (u Unit) IsImage() bool { return u.Kind == UnitImage }

// Error is a failed platform call. It is recoverable: callers log it and
// move on to the next chunk, item, or tick.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
