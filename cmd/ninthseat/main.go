// Command ninthseat runs the workflow run engine and its HTTP API.
//
// Configuration comes from ninthseat.toml (or NINTHSEAT_CONFIG) with
// environment variables taking precedence; see internal/config.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ninthseat/engine"
	"github.com/ninthseat/engine/httpapi"
	"github.com/ninthseat/engine/internal/config"
	"github.com/ninthseat/engine/observer"
	"github.com/ninthseat/engine/provider/resolve"
	"github.com/ninthseat/engine/sandbox"
	"github.com/ninthseat/engine/tools/sandboxexec"
	"github.com/ninthseat/engine/tools/webfetch"
	"github.com/ninthseat/engine/tools/websearch"
	"github.com/ninthseat/engine/tools/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Observability (off unless enabled in config)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		in, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		inst = in
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
	}

	// 2. LLM providers: one model for run decisions, one for planning.
	runLLM, err := buildProvider(cfg, cfg.LLM.Model, inst, logger)
	if err != nil {
		logger.Error("configure run provider", "error", err)
		os.Exit(1)
	}
	planLLM, err := buildProvider(cfg, cfg.LLM.PlannerModel, inst, logger)
	if err != nil {
		logger.Error("configure planner provider", "error", err)
		os.Exit(1)
	}

	// 3. Sandbox runner and tools
	runner, err := sandbox.New(sandbox.Config{
		Backend: cfg.Sandbox.Backend,
		URL:     cfg.Sandbox.URL,
		Image:   cfg.Sandbox.Image,
	}, logger)
	if err != nil {
		logger.Error("configure sandbox", "error", err)
		os.Exit(1)
	}
	logger.Info("sandbox ready", "backend", runner.Name())

	wrapTool := func(t engine.Tool) engine.Tool {
		if inst != nil {
			return observer.WrapTool(t, inst)
		}
		return t
	}
	stateless := []engine.Tool{
		wrapTool(websearch.New(logger)),
		wrapTool(webfetch.New(logger)),
		wrapTool(sandboxexec.New(runner, logger)),
	}
	toolsFor := func(workspaceRoot string) *engine.Toolset {
		ts := engine.NewToolset(stateless...)
		ts.Add(wrapTool(workspace.New(workspaceRoot, logger)))
		return ts
	}

	// 4. Run registry
	regOpts := []engine.RegistryOption{
		engine.WithLogger(logger),
		engine.WithToolset(toolsFor),
		engine.WithModelName(cfg.LLM.Model),
		engine.WithMaxTurns(cfg.Run.MaxSteps),
	}
	if cfg.Run.ArtifactsDir != "" {
		regOpts = append(regOpts, engine.WithArtifactsRoot(cfg.Run.ArtifactsDir))
	}
	if inst != nil {
		regOpts = append(regOpts, engine.WithTracer(observer.NewTracer()))
	}
	registry := engine.NewRegistry(engine.NewJSONDecisionClient(runLLM), regOpts...)
	defer registry.Close()

	// 5. Planner
	planner := engine.NewPlanner(engine.NewJSONDecisionClient(planLLM),
		engine.WithPlannerModel(cfg.LLM.PlannerModel),
		engine.WithPlannerLogger(logger),
	)

	// 6. HTTP API
	api := httpapi.New(registry,
		httpapi.WithPassword(cfg.Server.Password),
		httpapi.WithSessionSecret(cfg.Server.SessionSecret),
		httpapi.WithSecureCookies(cfg.Server.CookieSecure),
		httpapi.WithAllowedOrigins(cfg.Server.FrontendOrigins),
		httpapi.WithToolset(engine.NewToolset(stateless...)),
		httpapi.WithPlanner(planner),
		httpapi.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// buildProvider resolves the configured backend for one model and layers
// retry and, when observability is on, instrumentation around it.
func buildProvider(cfg config.Config, model string, inst *observer.Instruments, logger *slog.Logger) (engine.Provider, error) {
	p, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	p = engine.WithRetry(p, engine.RetryLogger(logger))
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		p = engine.WithRateLimit(p, engine.RPM(cfg.LLM.RPM), engine.TPM(cfg.LLM.TPM))
	}
	if inst != nil {
		p = observer.WrapProvider(p, model, inst)
	}
	return p, nil
}
