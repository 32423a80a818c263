package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the classification of a failure as seen by API consumers. Lower
// level errors (transport failures, engine output, file system errors) are
// translated to exactly one Kind before crossing a component boundary.
type Kind string

const (
	ExtractionFailure Kind = "extraction_failure"
	VideoUnavailable  Kind = "video_unavailable"
	AgeRestricted     Kind = "age_restricted"
	UpstreamThrottled Kind = "upstream_throttled"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Cancelled         Kind = "cancelled"
	InternalError     Kind = "internal_error"
)

type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is only populated for UpstreamThrottled errors and carries
	// the upstream (or governor) supplied backoff hint.
	RetryAfter time.Duration
}

func (err *Error) Error() string {
	if err.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", err.Kind, err.Message, err.RetryAfter)
	}

	return fmt.Sprintf("%s: %s", err.Kind, err.Message)
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, message string, interpolations ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(message, interpolations...)}
}

func Throttled(retryAfter time.Duration, message string) *Error {
	return &Error{Kind: UpstreamThrottled, Message: message, RetryAfter: retryAfter}
}

// From returns the *Error contained in err, wrapping unclassified errors
// as InternalError so downstream consumers always see a taxonomy kind.
func From(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	return &Error{Kind: InternalError, Message: err.Error()}
}

// KindOf extracts the classification of err, defaulting to InternalError
// for errors which were never classified.
func KindOf(err error) Kind {
	return From(err).Kind
}

// Suggestion returns the user-facing remediation advice for this error,
// if the kind has any.
func (err *Error) Suggestion() string {
	switch err.Kind {
	case VideoUnavailable:
		return "The video may be private, deleted or region locked. Try a different video."
	case AgeRestricted:
		return "This video is age restricted. Provide an authenticated cookie file to access it."
	case UpstreamThrottled:
		if err.RetryAfter > 0 {
			return fmt.Sprintf("The upstream service is rate limiting requests. Retry after %.0f seconds.", err.RetryAfter.Seconds())
		}
		return "The upstream service is rate limiting requests. Wait a few minutes before retrying."
	case ExtractionFailure:
		return "The URL could not be processed. Check the URL is correct and points to a supported service."
	default:
		return ""
	}
}
