package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors adapters map SDK failures onto. Callers match with
// errors.Is.
var (
	// ErrNotFound indicates the channel, message or server does not exist.
	ErrNotFound = errors.New("platform: not found")

	// ErrForbidden indicates the bot lacks permission for the resource.
	// History fetches treat this as a skippable condition.
	ErrForbidden = errors.New("platform: forbidden")
)

// RateLimitError reports that the platform rejected a call for exceeding its
// rate limits. RetryAfter is the platform-advised wait, zero when the
// platform gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
	}
	return "platform: rate limited"
}

// AsRateLimit unwraps err into a RateLimitError if it carries one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
