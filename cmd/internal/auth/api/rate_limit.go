package authapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	authv1 "vitalis/shared/contracts/auth/v1"
)

// limiterKey buckets anonymous callers by IP. Requests without a usable
// address share one bucket.
func limiterKey(ip net.IP) string {
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, authv1.CodeRateLimited, "Too many attempts, please try again later")
}
