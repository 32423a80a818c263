package util

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/tcollins82/fetcha/internal/fault"
)

// ErrorResponse is the JSON body every failed request carries. The kind
// is stable and machine-readable; the suggestion is advisory text for
// end users.
type ErrorResponse struct {
	Kind       fault.Kind `json:"kind"`
	Message    string     `json:"error"`
	Suggestion string     `json:"suggestion,omitempty"`
	RetryAfter int        `json:"retry_after,omitempty"`
}

// SendFault translates a fault into its HTTP representation. Throttled
// faults additionally carry a Retry-After header so well-behaved clients
// can back off without parsing the body.
func SendFault(ec echo.Context, err error) error {
	classified := fault.From(err)

	status := statusForKind(classified.Kind)
	response := ErrorResponse{
		Kind:       classified.Kind,
		Message:    classified.Message,
		Suggestion: classified.Suggestion(),
	}

	if classified.Kind == fault.UpstreamThrottled && classified.RetryAfter > 0 {
		seconds := int(classified.RetryAfter.Seconds())
		response.RetryAfter = seconds
		ec.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	return ec.JSON(status, response)
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.UpstreamThrottled:
		return http.StatusTooManyRequests
	case fault.VideoUnavailable:
		return http.StatusGone
	case fault.AgeRestricted:
		return http.StatusForbidden
	case fault.ExtractionFailure:
		return http.StatusBadGateway
	case fault.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ApplyConversion applies a converter function over a slice of models,
// producing the equivalent slice of DTOs.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}
