package mcl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultRequestTimeout bounds a single calibration request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultFetchAttempts is how many requests a calibration fetch may make.
	DefaultFetchAttempts = 3

	// DefaultRetryDelay is the wait before the first retry; later waits double.
	DefaultRetryDelay = 500 * time.Millisecond

	// maxRetryDelay caps both doubled waits and server Retry-After hints.
	maxRetryDelay = 10 * time.Second

	// maxCalibrationBytes limits the calibration document to 1 MB.
	maxCalibrationBytes = 1 << 20
)

// FetchOption configures FetchCameraInfo.
type FetchOption func(*calibrationFetch)

// calibrationFetch is one calibration download with its retry budget
type calibrationFetch struct {
	url            string
	client         *http.Client
	requestTimeout time.Duration
	attempts       int
	retryDelay     time.Duration
	deadline       time.Duration
}

// WithTimeout bounds each individual request.
func WithTimeout(d time.Duration) FetchOption {
	return func(f *calibrationFetch) { f.requestTimeout = d }
}

// WithMaxRetries sets how many requests are made in total.
func WithMaxRetries(n int) FetchOption {
	return func(f *calibrationFetch) { f.attempts = n }
}

// WithBaseBackoff sets the wait before the first retry.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(f *calibrationFetch) { f.retryDelay = d }
}

// WithDeadline bounds the whole fetch, retries and waits included. A wait
// that would end past the deadline is not started.
func WithDeadline(d time.Duration) FetchOption {
	return func(f *calibrationFetch) { f.deadline = d }
}

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *calibrationFetch) { f.client = client }
}

// statusError is a non-200 calibration response
type statusError struct {
	url        string
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.url, e.code)
}

// transient reports whether another request may succeed. Client errors
// other than timeouts and rate limiting will not change on retry.
func (e *statusError) transient() bool {
	switch {
	case e.code == http.StatusRequestTimeout, e.code == http.StatusTooManyRequests:
		return true
	case e.code >= 400 && e.code < 500:
		return false
	}
	return true
}

// FetchCameraInfo downloads a camera calibration document from infoURL and
// validates it. Network failures, 5xx, 408 and 429 responses are retried;
// other responses and malformed documents fail at once.
func FetchCameraInfo(ctx context.Context, infoURL string, opts ...FetchOption) (CameraInfo, error) {
	if infoURL == "" {
		return CameraInfo{}, fmt.Errorf("fetch camera info: URL is empty")
	}

	f := &calibrationFetch{
		url:            infoURL,
		requestTimeout: DefaultRequestTimeout,
		attempts:       DefaultFetchAttempts,
		retryDelay:     DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.requestTimeout}
	}
	f.attempts = max(f.attempts, 1)

	if f.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.deadline)
		defer cancel()
	}

	info, err := f.run(ctx)
	if err != nil {
		return CameraInfo{}, fmt.Errorf("fetch camera info: %w", err)
	}
	return info, nil
}

// run issues requests until one yields a valid document, a permanent error
// occurs, the attempts are spent or ctx ends.
func (f *calibrationFetch) run(ctx context.Context) (CameraInfo, error) {
	delay := f.retryDelay
	var lastErr error
	for n := 1; ; n++ {
		body, err := f.get(ctx)
		if err == nil {
			// Malformed documents will not improve on retry
			return DecodeCameraInfo(body)
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !se.transient() {
			return CameraInfo{}, err
		}
		if n == f.attempts {
			return CameraInfo{}, fmt.Errorf("all %d attempts failed: %w", f.attempts, lastErr)
		}

		wait := delay
		if se != nil && se.retryAfter > 0 {
			wait = se.retryAfter
		}
		wait = min(wait, maxRetryDelay)
		if dl, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(dl) {
			return CameraInfo{}, fmt.Errorf("deadline reached after %d of %d attempts: %w", n, f.attempts, lastErr)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return CameraInfo{}, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		delay = min(2*delay, maxRetryDelay)
	}
}

// get performs a single GET and returns the response body
func (f *calibrationFetch) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", f.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: f.url, code: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCalibrationBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", f.url, err)
	}
	return body, nil
}

// parseRetryAfter reads a delay-seconds Retry-After value. HTTP dates and
// garbage yield zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// sleepCtx waits for d or until ctx ends
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
