package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Run      RunConfig      `toml:"run"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	SessionSecret   string   `toml:"session_secret"`
	FrontendOrigins []string `toml:"frontend_origins"`
	CookieSecure    bool     `toml:"cookie_secure"`
}

type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	PlannerModel string `toml:"planner_model"`
	APIKey       string `toml:"api_key"`
	BaseURL      string `toml:"base_url"`

	// Optional client-side rate limits; zero disables.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type RunConfig struct {
	MaxSteps     int    `toml:"max_steps"`
	ArtifactsDir string `toml:"artifacts_dir"`
}

type SandboxConfig struct {
	Backend string `toml:"backend"`
	URL     string `toml:"url"`
	Image   string `toml:"image"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			Password:        "5573",
			SessionSecret:   "change-this-in-production",
			FrontendOrigins: []string{"http://localhost:5173"},
		},
		LLM: LLMConfig{Provider: "openai", Model: "gpt-5.2", PlannerModel: "gpt-4.1-mini"},
		Run: RunConfig{MaxSteps: 100},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// An empty path falls back to NINTHSEAT_CONFIG, then "ninthseat.toml".
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("NINTHSEAT_CONFIG")
	}
	if path == "" {
		path = "ninthseat.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("NINTHSEAT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("APP_PASSWORD"); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Server.SessionSecret = v
	}
	if v := os.Getenv("FRONTEND_ORIGINS"); v != "" {
		cfg.Server.FrontendOrigins = splitOrigins(v)
	}
	if truthy(os.Getenv("COOKIE_SECURE")) {
		cfg.Server.CookieSecure = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("WORKFLOW_MODEL"); v != "" {
		cfg.LLM.Model = v
		cfg.LLM.PlannerModel = v
	}
	if v := os.Getenv("WORKFLOW_RUN_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("WORKFLOW_NODE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Run.MaxSteps = n
		}
	}
	if v := os.Getenv("WORKFLOW_RUN_ARTIFACTS_DIR"); v != "" {
		cfg.Run.ArtifactsDir = v
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if truthy(os.Getenv("NINTHSEAT_OBSERVER_ENABLED")) {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.LLM.PlannerModel == "" {
		cfg.LLM.PlannerModel = cfg.LLM.Model
	}

	return cfg
}

// truthy reports whether v is an affirmative flag value.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// splitOrigins parses a comma-separated origin list, trimming whitespace
// and dropping empty entries.
func splitOrigins(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
