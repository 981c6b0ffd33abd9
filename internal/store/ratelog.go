package store

import (
	"time"

	"github.com/rs/zerolog"
)

// newRateLimitedLogger lets at most one event through per interval.
func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) zerolog.Logger {
	return log.Sample(&zerolog.BurstSampler{Burst: 1, Period: interval})
}
