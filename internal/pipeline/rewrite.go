package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"cachewise/internal/policy"
)

// HeaderRewrite stamps network responses with max-age set to the survival
// window, replacing whatever caching headers the origin sent.
func HeaderRewrite(survival time.Duration) Interceptor {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		resp, err := next.RoundTrip(req)
		if err != nil || resp == nil {
			return resp, err
		}
		s := survival
		if o, ok := policy.OverrideFrom(req.Context()); ok {
			_, s = o.Apply(0, s)
		}
		resp.Header.Del("Pragma")
		resp.Header.Set("Cache-Control", "max-age="+strconv.FormatInt(maxAge(s), 10))
		if resp.Header.Get("Date") == "" {
			resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		}
		return resp, nil
	}
}

// maxAge rounds survival up to whole seconds so a positive window never
// becomes max-age=0.
func maxAge(survival time.Duration) int64 {
	if survival <= 0 {
		return 0
	}
	return int64((survival + time.Second - 1) / time.Second)
}
