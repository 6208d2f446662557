package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks provider errors that retrying cannot fix: exhausted credit,
// quota or rate limits, and rejected credentials. Callers stop issuing further
// calls for the run once they see it.
var ErrFatalAPI = errors.New("fatal LLM API error")

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}
