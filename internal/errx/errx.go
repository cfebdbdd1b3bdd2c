// Package errx provides a small error-wrapping helper used throughout
// flexnbd so callers can errors.Is against a package sentinel while the
// formatted message still carries the underlying cause.
package errx

import "fmt"

// Wrap binds cause under sentinel. errors.Is(Wrap(sentinel, cause), sentinel)
// and errors.Is(Wrap(sentinel, cause), cause) both hold.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &wrapped{sentinel: sentinel, cause: cause}
}

type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.sentinel, w.cause)
}

func (w *wrapped) Unwrap() []error {
	return []error{w.sentinel, w.cause}
}
