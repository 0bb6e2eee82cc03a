package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultModelName = "gpt-5.2"
	defaultMaxTurns  = 100
)

// ToolsetFunc assembles the tools one run's agents may call, bound to
// that run's workspace root.
type ToolsetFunc func(workspaceRoot string) *Toolset

// Registry owns every workflow run in the process: it admits runs, hands
// each one to a dedicated worker goroutine, and serves reads,
// cancellation, and deletion. A single mutex guards the run map and every
// Run reachable from it; workers release the mutex around model calls,
// tool execution, and file IO, then reacquire it to integrate results.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run

	client        DecisionClient
	toolset       ToolsetFunc
	logger        *slog.Logger
	tracer        Tracer
	model         string
	maxTurns      int
	artifactsRoot string
	poll          time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithToolset sets the factory building each run's toolset. Defaults to
// an empty set, which reports every tool request back to the model as
// unknown.
func WithToolset(fn ToolsetFunc) RegistryOption {
	return func(r *Registry) { r.toolset = fn }
}

// WithModelName overrides the decision model id agents run with.
func WithModelName(model string) RegistryOption {
	return func(r *Registry) { r.model = model }
}

// WithMaxTurns overrides the per-node decision turn budget. Values are
// clamped to 1-100.
func WithMaxTurns(n int) RegistryOption {
	return func(r *Registry) { r.maxTurns = n }
}

// WithArtifactsRoot sets the directory run workspaces and deliverables
// are created under.
func WithArtifactsRoot(dir string) RegistryOption {
	return func(r *Registry) { r.artifactsRoot = dir }
}

// WithTracer enables spans around run, node, tool, and decision
// execution.
func WithTracer(t Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// WithStreamPoll sets the fallback poll cadence for event streams.
// Watchers mostly wake on change notifications; this only bounds how
// stale a quiet stream can get.
func WithStreamPoll(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRegistry creates the run registry. client may be nil: runs are
// still admitted but fail at their first decision, the same way a
// missing API key does.
func NewRegistry(client DecisionClient, opts ...RegistryOption) *Registry {
	reg := &Registry{
		runs:   map[string]*Run{},
		client: client,
		poll:   defaultStreamPoll,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.logger == nil {
		reg.logger = nopLogger
	}
	if reg.toolset == nil {
		reg.toolset = func(string) *Toolset { return NewToolset() }
	}
	if reg.model == "" {
		reg.model = modelNameFromEnv()
	}
	if reg.maxTurns == 0 {
		reg.maxTurns = maxTurnsFromEnv()
	}
	reg.maxTurns = clampTurns(reg.maxTurns)
	if reg.artifactsRoot == "" {
		reg.artifactsRoot = artifactsRootFromEnv()
	}
	reg.baseCtx, reg.stop = context.WithCancel(context.Background())
	return reg
}

// Create validates the request, prepares the run workspace on disk, and
// spawns the worker executing the run. The returned view is the state at
// admission, before the worker has started.
func (reg *Registry) Create(req CreateRequest) (*Run, error) {
	run, err := buildRun(req)
	if err != nil {
		return nil, err
	}
	if err := prepareRunWorkspace(reg.artifactsRoot, run); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	reg.runs[run.ID] = run
	view := run.view()
	reg.mu.Unlock()

	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		defer close(run.meta.done)
		reg.executeRun(reg.baseCtx, run.ID)
	}()

	reg.logger.Info("workflow run created",
		"runId", run.ID,
		"workflowId", run.WorkflowID,
		"nodes", len(run.NodeRuns))
	return view, nil
}

// List returns run summaries, newest first. limit 0 means the default
// page of 100; values are clamped to 1-500.
func (reg *Registry) List(limit int) []RunSummary {
	if limit == 0 {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	all := make([]*Run, 0, len(reg.runs))
	for _, run := range reg.runs {
		all = append(all, run)
	}
	sort.SliceStable(all, func(i, j int) bool {
		ki, kj := listSortKey(all[i]), listSortKey(all[j])
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}

	summaries := make([]RunSummary, 0, len(all))
	for _, run := range all {
		summaries = append(summaries, run.summary())
	}
	return summaries
}

// listSortKey orders runs by execution start, falling back to creation
// for runs that never left the queue.
func listSortKey(r *Run) time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

// Get returns the full view of one run, or nil when the id is unknown.
func (reg *Registry) Get(runID string) *Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.runs[runID]
	if !ok {
		return nil
	}
	return run.view()
}

// Cancel requests cooperative cancellation and returns the updated view.
// Terminal runs are returned unchanged; unknown ids return nil. The
// worker observes the flag at its next mutex acquisition, so an in-flight
// tool or model call is never interrupted.
func (reg *Registry) Cancel(runID string) *Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.runs[runID]
	if !ok {
		return nil
	}
	if run.Status.Terminal() {
		return run.view()
	}
	run.cancelRequested = true
	run.appendLog(LogControl, "Cancellation requested", "A user requested cancellation for this run.", "", nil)
	return run.view()
}

// Delete removes a settled run from the registry and returns its
// summary. Active runs are refused; cancel them first.
func (reg *Registry) Delete(runID string) (*RunSummary, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status.Active() {
		return nil, &ConflictError{Message: "Cannot delete an active workflow run. Cancel it first."}
	}
	delete(reg.runs, runID)
	reg.logger.Info("workflow run deleted", "runId", runID, "status", string(run.Status))
	s := run.summary()
	return &s, nil
}

// Close cancels the base context shared by all workers and waits for
// them to settle. Runs still executing fail with the context error.
func (reg *Registry) Close() {
	reg.stop()
	reg.wg.Wait()
}

// --- environment resolution ---

func modelNameFromEnv() string {
	for _, key := range []string{"WORKFLOW_RUN_MODEL", "WORKFLOW_MODEL"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return defaultModelName
}

func maxTurnsFromEnv() int {
	raw := strings.TrimSpace(os.Getenv("WORKFLOW_NODE_MAX_STEPS"))
	if raw == "" {
		return defaultMaxTurns
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultMaxTurns
	}
	return n
}

func clampTurns(n int) int {
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

func artifactsRootFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("WORKFLOW_RUN_ARTIFACTS_DIR")); v != "" {
		return v
	}
	return filepath.Join(".", ".ninth-seat-artifacts", "workflow-runs")
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(slog.DiscardHandler)
