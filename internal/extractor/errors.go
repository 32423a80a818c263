package extractor

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tcollins82/fetcha/internal/fault"
)

// The engine reports failures as free-text output from the underlying
// tool, so classification is substring based. Each marker set maps onto
// exactly one taxonomy kind.
var (
	throttleMarkers = []string{
		"429",
		"too many requests",
		"sign in to confirm you're not a bot",
		"unable to download api page",
	}

	unavailableMarkers = []string{
		"video unavailable",
		"private video",
		"this video has been removed",
		"account associated with this video has been terminated",
		"not available in your country",
		"who has blocked it in your country",
	}

	ageRestrictedMarkers = []string{
		"sign in to confirm your age",
		"age-restricted",
		"inappropriate for some users",
	}

	retryAfterPattern = regexp.MustCompile(`retry(?:-| )after[:\s]+(\d+)`)
)

// classify translates an engine failure into a single fault taxonomy kind.
// Context cancellation and deadline expiry are recognised first so that a
// cancelled task is never misreported as an upstream failure.
func (engine *Engine) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return fault.New(fault.Cancelled, "operation was cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.InternalError, "operation timed out waiting for the extraction engine")
	}

	message := strings.ToLower(err.Error())

	if containsAny(message, throttleMarkers) {
		return fault.Throttled(parseRetryAfter(message), "upstream service is throttling requests")
	}
	if containsAny(message, ageRestrictedMarkers) {
		return fault.New(fault.AgeRestricted, "video is age restricted and cannot be fetched anonymously")
	}
	if containsAny(message, unavailableMarkers) {
		return fault.New(fault.VideoUnavailable, "video is private, deleted or region blocked")
	}

	return fault.Newf(fault.ExtractionFailure, "engine could not process the source: %s", firstLine(err.Error()))
}

func containsAny(message string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(message, marker) {
			return true
		}
	}

	return false
}

func parseRetryAfter(message string) time.Duration {
	groups := retryAfterPattern.FindStringSubmatch(message)
	if len(groups) != 2 {
		return 0
	}

	seconds, err := strconv.Atoi(groups[1])
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// firstLine trims the engine's (often enormous) combined output down to
// the leading line for human-readable error detail.
func firstLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx != -1 {
		return message[:idx]
	}

	return message
}
