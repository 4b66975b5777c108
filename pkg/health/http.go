package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes a workload endpoint, typically the container's declared
// health check reached over the mesh. Any status inside the accepted window
// counts as healthy.
type HTTPChecker struct {
	URL     string
	Headers map[string]string

	// Accepted status window, inclusive.
	StatusMin int
	StatusMax int

	Client *http.Client
}

// NewHTTPChecker builds a GET probe accepting any non-error status.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Headers:   make(map[string]string),
		StatusMin: http.StatusOK,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs one probe.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	done := func(healthy bool, message string) Result {
		return Result{
			Healthy:   healthy,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return done(false, fmt.Sprintf("bad probe request: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return done(false, fmt.Sprintf("probe failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < h.StatusMin || resp.StatusCode > h.StatusMax {
		return done(false, fmt.Sprintf("HTTP %d outside %d-%d", resp.StatusCode, h.StatusMin, h.StatusMax))
	}
	return done(true, fmt.Sprintf("HTTP %d", resp.StatusCode))
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader adds a request header, e.g. a bearer token for authed probes.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange overrides the accepted status window.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// WithTimeout sets the probe timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
