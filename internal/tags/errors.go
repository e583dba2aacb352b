package tags

import (
	"errors"
	"fmt"
)

// ConnectionError reports a lost or unusable controller session. It is
// transient: the session reconnects with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("controller connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TagError reports an unknown or invalid tag, usually a configuration
// mistake.
type TagError struct {
	Tag string
	Err error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("tag %q: %v", e.Tag, e.Err)
}

func (e *TagError) Unwrap() error { return e.Err }

// ErrUnknownTag is the cause carried by TagError when the controller does not
// expose the tag.
var ErrUnknownTag = errors.New("unknown tag")

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTag reports whether err is, or wraps, a TagError.
func IsTag(err error) bool {
	var te *TagError
	return errors.As(err, &te)
}
