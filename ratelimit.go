package engine

import (
	"context"
	"sync"
	"time"
)

// windowEvent is one weighted entry in a sliding usage window.
type windowEvent struct {
	at     time.Time
	weight int
}

// usageWindow tracks weighted events over the trailing minute. The
// request budget stores weight 1 per call; the token budget stores the
// usage each response reported.
type usageWindow struct {
	limit  int
	events []windowEvent
}

// prune drops expired events and returns the weight still in the window.
func (w *usageWindow) prune(now time.Time) int {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	w.events = w.events[i:]
	total := 0
	for _, e := range w.events {
		total += e.weight
	}
	return total
}

// admits reports whether the window has budget left, and when it does
// not, how long until the oldest event slides out.
func (w *usageWindow) admits(now time.Time) (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}
	if w.prune(now) < w.limit {
		return true, 0
	}
	return false, w.events[0].at.Add(time.Minute).Sub(now)
}

func (w *usageWindow) record(now time.Time, weight int) {
	if w.limit <= 0 || weight <= 0 {
		return
	}
	w.events = append(w.events, windowEvent{at: now, weight: weight})
}

// rateLimitProvider blocks Chat calls until the client-side request and
// token budgets allow them through.
type rateLimitProvider struct {
	inner Provider

	mu       sync.Mutex
	requests usageWindow
	tokens   usageWindow
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.requests.limit = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit: the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tokens.limit = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other wrappers:
//
//	chatLLM = engine.WithRateLimit(provider, engine.RPM(60))
//	chatLLM = engine.WithRateLimit(provider, engine.RPM(60), engine.TPM(100000))
//	chatLLM = engine.WithRateLimit(engine.WithRetry(provider), engine.RPM(60))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both budgets admit a request, then spends
// one request slot. Returns ctx.Err() if cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		reqOK, reqWait := r.requests.admits(now)
		tokOK, tokWait := r.tokens.admits(now)
		if reqOK && tokOK {
			r.requests.record(now, 1)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		// Sleep until the later of the two blocking windows could free
		// up; the loop re-checks both before admitting.
		wait := reqWait
		if tokWait > wait {
			wait = tokWait
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage spends token budget for a completed request. Failed calls
// never reach here, so they spend nothing.
func (r *rateLimitProvider) recordUsage(u Usage) {
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens.record(time.Now(), total)
	r.mu.Unlock()
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
