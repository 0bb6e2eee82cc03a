// Package engine runs agent-driven workflows: directed graphs of LLM agent
// nodes that plan with a model, call tools, pass typed handoffs along edges,
// and leave deliverables in a shared on-disk workspace.
//
// It provides modular, interface-driven building blocks: LLM providers, a
// JSON decision protocol, a tool execution system, per-run workspaces with
// uploads and deliverables, and a run registry with live event streams.
//
// # Quick Start
//
// Create a registry over a decision client and start a run:
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	client := engine.NewJSONDecisionClient(engine.WithRetry(provider))
//
//	registry := engine.NewRegistry(client,
//		engine.WithLogger(logger),
//		engine.WithToolset(func(workspaceRoot string) *engine.Toolset {
//			return engine.NewToolset(
//				websearch.New(logger),
//				webfetch.New(logger),
//				workspace.New(workspaceRoot, logger),
//			)
//		}),
//	)
//	defer registry.Close()
//
//	run, err := registry.Create(engine.CreateRequest{
//		Template: template,
//		Inputs:   map[string]any{"topic": "solid-state batteries"},
//	})
//
// Runs execute in the background; watch them with [Registry.Get] or the
// event stream, and cancel or delete them through the registry.
//
// # Core Interfaces
//
//   - [Provider] — LLM backend (single-shot chat completions)
//   - [DecisionClient] — prompt/schema transport for agent decisions
//   - [Tool] — pluggable capability agents invoke by name
//   - [Tracer] — optional span hooks for run and node execution
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), provider/gemini
// (Google Gemini), provider/resolve (config-driven construction).
// Tools: tools/websearch, tools/webfetch, tools/sandboxexec, tools/workspace.
// Execution backends: sandbox (subprocess, docker, remote service).
// Surfaces: httpapi (cookie-session REST + SSE), observer (OTEL tracing,
// metrics, and cost accounting).
//
// See the cmd/ninthseat directory for the complete server wiring.
package engine
