// Package config provides configuration for the run engine.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCPort      int

	// Database
	DatabaseURL string

	// External collaborators
	SandboxURL     string
	MarketDataURL  string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Mode           string
	StepPolicyPath string

	// Run lifecycle
	AutoAdvance      bool
	MaxGoalLength    int
	RunTTL           time.Duration
	RunRetention     time.Duration
	MaxStepAttempts  int
	MaxPlanSteps     int
	MaxUnknownPolls  int
	MaxRefineAttempt int
	GeneratorTimeout time.Duration
	SandboxTimeout   time.Duration

	// Bounded fan-out inside market data tools
	MaxParallelSearch int
	MaxParallelDaily  int

	// Credits
	RunCreateCost int64
	MinRunBalance int64
	DefaultStep   int64
	ToolCosts     map[string]int64

	// Rate limiting (runs per owner)
	RunRatePerMinute int
	RunRateBurst     int

	// Completeness cache
	CompleteTTL   time.Duration
	IncompleteTTL time.Duration
	GapTTL        time.Duration
	GapRetryAfter time.Duration

	// Sweeper cron specs
	ExpireSchedule string
	PollSchedule   string
	GCSchedule     string

	// Logging
	LogLevel string
}

// fileOverlay is the optional YAML file named by AGENTRUN_CONFIG.
type fileOverlay struct {
	ToolCosts      map[string]int64 `yaml:"tool_costs"`
	StepPolicyPath string           `yaml:"step_policy_path"`
	RunCreateCost  *int64           `yaml:"run_create_cost"`
	DefaultStep    *int64           `yaml:"default_step_cost"`
	MaxPlanSteps   *int             `yaml:"max_plan_steps"`
}

// Load loads configuration from environment variables. A .env file in the working
// directory is read first when present; AGENTRUN_CONFIG may point at a YAML overlay.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		InternalPort:      getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:           getEnvInt("RPC_PORT", 8082),
		DatabaseURL:       getEnv("DATABASE_URL", "file:agentrun.db?cache=shared&mode=rwc"),
		SandboxURL:        getEnv("SANDBOX_URL", "http://localhost:8300"),
		MarketDataURL:     getEnv("MARKET_DATA_URL", "localhost:8400"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:         getEnv("LLM_API_KEY", ""),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		Mode:              getEnv("AGENTRUN_MODE", ""),
		StepPolicyPath:    getEnv("STEP_POLICY_PATH", ""),
		AutoAdvance:       getEnvBool("AUTO_ADVANCE", true),
		MaxGoalLength:     getEnvInt("MAX_GOAL_LENGTH", 4000),
		RunTTL:            getEnvDuration("RUN_TTL", 2*time.Hour),
		RunRetention:      getEnvDuration("RUN_RETENTION", 7*24*time.Hour),
		MaxStepAttempts:   getEnvInt("MAX_STEP_ATTEMPTS", 3),
		MaxPlanSteps:      getEnvInt("MAX_PLAN_STEPS", 20),
		MaxUnknownPolls:   getEnvInt("MAX_UNKNOWN_POLLS", 3),
		MaxRefineAttempt:  getEnvInt("MAX_REFINE_ATTEMPTS", 3),
		GeneratorTimeout:  getEnvDuration("GENERATOR_TIMEOUT", 60*time.Second),
		SandboxTimeout:    getEnvDuration("SANDBOX_TIMEOUT", 10*time.Minute),
		MaxParallelSearch: getEnvInt("MAX_PARALLEL_SEARCH", 4),
		MaxParallelDaily:  getEnvInt("MAX_PARALLEL_DAILY", 4),
		RunCreateCost:     int64(getEnvInt("RUN_CREATE_COST", 1)),
		MinRunBalance:     int64(getEnvInt("MIN_RUN_BALANCE", 1)),
		DefaultStep:       int64(getEnvInt("DEFAULT_STEP_COST", 1)),
		ToolCosts:         map[string]int64{},
		RunRatePerMinute:  getEnvInt("RUN_RATE_PER_MINUTE", 30),
		RunRateBurst:      getEnvInt("RUN_RATE_BURST", 5),
		CompleteTTL:       getEnvDuration("COMPLETENESS_COMPLETE_TTL", 24*time.Hour),
		IncompleteTTL:     getEnvDuration("COMPLETENESS_INCOMPLETE_TTL", 5*time.Minute),
		GapTTL:            getEnvDuration("COMPLETENESS_GAP_TTL", 24*time.Hour),
		GapRetryAfter:     getEnvDuration("COMPLETENESS_GAP_RETRY", 24*time.Hour),
		ExpireSchedule:    getEnv("SWEEP_EXPIRE_SCHEDULE", "@every 30s"),
		PollSchedule:      getEnv("SWEEP_POLL_SCHEDULE", "@every 10s"),
		GCSchedule:        getEnv("SWEEP_GC_SCHEDULE", "@hourly"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("AGENTRUN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for tool, cost := range overlay.ToolCosts {
		c.ToolCosts[tool] = cost
	}
	if overlay.StepPolicyPath != "" {
		c.StepPolicyPath = overlay.StepPolicyPath
	}
	if overlay.RunCreateCost != nil {
		c.RunCreateCost = *overlay.RunCreateCost
	}
	if overlay.DefaultStep != nil {
		c.DefaultStep = *overlay.DefaultStep
	}
	if overlay.MaxPlanSteps != nil {
		c.MaxPlanSteps = *overlay.MaxPlanSteps
	}
	return nil
}

// StepCost returns the credit cost of dispatching one step of the named tool.
func (c *Config) StepCost(tool string) int64 {
	if cost, ok := c.ToolCosts[tool]; ok {
		return cost
	}
	return c.DefaultStep
}

// IsMock reports whether external generators should be replaced by mocks.
func (c *Config) IsMock() bool {
	return c.Mode == "MOCK"
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
