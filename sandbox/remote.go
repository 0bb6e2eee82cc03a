package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ninthseat/engine"
)

// Remote forwards requests to a sandbox service (cmd/sandbox) over HTTP.
// Transient failures (429, 503, transport errors) are retried with
// exponential backoff before giving up.
type Remote struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

var _ Runner = (*Remote)(nil)

// NewRemote creates a runner that POSTs to baseURL+"/run".
func NewRemote(baseURL string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = nopLogger
	}
	return &Remote{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{},
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		logger:      logger,
	}
}

func (r *Remote) Name() string { return BackendHTTP }

// Run validates locally, then forwards the request to the service. The
// per-call deadline is the execution timeout plus transport headroom.
func (r *Remote) Run(ctx context.Context, req Request) (Result, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	deadline := time.Duration(req.TimeoutSeconds*float64(time.Second)) + 15*time.Second
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var last error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		res, err := r.post(callCtx, req)
		if err == nil || !remoteTransient(err) {
			return res, err
		}
		last = err
		r.logger.Warn("retrying sandbox service call",
			"url", r.baseURL, "attempt", attempt+1, "max_attempts", r.maxAttempts, "error", err)
		if attempt < r.maxAttempts-1 {
			delay := r.baseDelay * (1 << attempt)
			var httpErr *engine.ErrHTTP
			if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
				delay = httpErr.RetryAfter
			}
			timer := time.NewTimer(delay)
			select {
			case <-callCtx.Done():
				timer.Stop()
				return Result{}, callCtx.Err()
			case <-timer.C:
			}
		}
	}
	return Result{}, last
}

func (r *Remote) post(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest {
			var detail struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &detail) == nil && detail.Error != "" {
				return Result{}, fmt.Errorf("%s", detail.Error)
			}
		}
		return Result{}, &engine.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: engine.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode sandbox service response: %w", err)
	}
	return res, nil
}

// remoteTransient reports whether the call is worth retrying: a transport
// error or an overload/unavailable status.
func remoteTransient(err error) bool {
	var httpErr *engine.ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status == http.StatusServiceUnavailable
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
