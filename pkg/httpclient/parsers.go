package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseStandardHeaders extracts rate limit info from the common header set
// (Retry-After plus x-ratelimit-*) used by most tool portals.
func ParseStandardHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if resetTime, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			info.ResetTime = resetTime.Unix()
		}
	}

	if resetStr := headers.Get("x-ratelimit-reset"); resetStr != "" {
		if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.ResetTime = resetTime
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}

	return info
}
