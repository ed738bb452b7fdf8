package transcoder

import (
	"errors"
	"fmt"
)

// Sentinel errors for each failure class of a transcode call. Errors returned by
// Transcode wrap exactly one of these; match them with errors.Is.
var (
	ErrDecodeInit     = errors.New("decode init failed")
	ErrEncoderInit    = errors.New("encoder init failed")
	ErrPlayback       = errors.New("playback failed")
	ErrCorruptSource  = errors.New("corrupt source")
	ErrTimeout        = errors.New("transcode timed out")
	ErrCancelled      = errors.New("transcode cancelled")
	ErrSourceRejected = errors.New("source rejected")
)

// Error describes a failed transcode. Kind is one of the sentinel errors above.
type Error struct {
	Kind  error
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Kind, e.State)
	}
	return fmt.Sprintf("%s: %v (state %s): %v", e.Op, e.Kind, e.State, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the sentinel kind of err, or nil if err is not a transcode error.
func KindOf(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for _, kind := range []error{ErrDecodeInit, ErrEncoderInit, ErrPlayback, ErrCorruptSource, ErrTimeout, ErrCancelled, ErrSourceRejected} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel returns a short metric/log label for err.
func KindLabel(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "internal"
	case ErrDecodeInit:
		return "decode_init"
	case ErrEncoderInit:
		return "encoder_init"
	case ErrPlayback:
		return "playback"
	case ErrCorruptSource:
		return "corrupt_source"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrSourceRejected:
		return "source_rejected"
	}
	return "internal"
}
