package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cachewise/internal/metrics"
)

// Logging records every request that reaches the network. It never changes
// the request or the response.
func Logging(log zerolog.Logger, m *metrics.Collector) Interceptor {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		start := time.Now()
		log.Info().Str("method", req.Method).Str("url", req.URL.String()).Msg("request")

		resp, err := next.RoundTrip(req)
		cost := time.Since(start)
		if err != nil {
			m.RecordNetwork(req.Method, 0, cost)
			log.Info().Err(err).Str("method", req.Method).Str("url", req.URL.String()).
				Str("cost", fmt.Sprintf("%.1fs", cost.Seconds())).Msg("request failed")
			return nil, err
		}
		m.RecordNetwork(req.Method, resp.StatusCode, cost)
		log.Info().Str("method", req.Method).Int("status", resp.StatusCode).
			Str("cost", fmt.Sprintf("%.1fs", cost.Seconds())).Msg("response")
		return resp, nil
	}
}
