package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration surface the engine reads via an
// injected value (never read ad hoc from os.Getenv by business logic). All
// fields have FLOWFORGE_* environment fallbacks with code-level defaults so
// the engine runs out of the box in tests.
type Config struct {
	ServiceName string

	// Store backend (see store.SQLiteStore).
	StoreDriver string // "sqlite" (default) or "memory"
	StoreDSN    string

	// Publisher backend (see store.RedisPublisher).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Retention / TTL, seconds.
	InstanceTTLSeconds int64
	ApprovalTTLSeconds int64

	// Orchestrator defaults (per-definition settings override these).
	DefaultMaxExecutionSeconds int64
	DefaultMaxSteps            int
	ScriptTimeoutSeconds       int64
	HTTPActionTimeoutSeconds   int64

	Logging LoggingConfig

	// Telemetry exporter target, e.g. "stdout" or an OTLP gRPC endpoint.
	OTLPEndpoint string

	logger Logger
}

// LoggingConfig controls ProductionLogger's output.
type LoggingConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Output string // stdout|stderr
}

// DefaultConfig reads FLOWFORGE_* environment variables, falling back to
// production-sane defaults for anything unset.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName:                envOr("FLOWFORGE_SERVICE_NAME", "flowforge-workflows"),
		StoreDriver:                envOr("FLOWFORGE_STORE_DRIVER", "sqlite"),
		StoreDSN:                   envOr("FLOWFORGE_STORE_DSN", "flowforge.db"),
		RedisAddr:                  envOr("FLOWFORGE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:              envOr("FLOWFORGE_REDIS_PASSWORD", ""),
		RedisDB:                    envIntOr("FLOWFORGE_REDIS_DB", 0),
		InstanceTTLSeconds:         envInt64Or("FLOWFORGE_INSTANCE_TTL_SECONDS", 7_776_000),
		ApprovalTTLSeconds:         envInt64Or("FLOWFORGE_APPROVAL_TTL_SECONDS", 604_800),
		DefaultMaxExecutionSeconds: envInt64Or("FLOWFORGE_MAX_EXECUTION_SECONDS", 86_400),
		DefaultMaxSteps:            envIntOr("FLOWFORGE_MAX_STEPS", 1000),
		ScriptTimeoutSeconds:       envInt64Or("FLOWFORGE_SCRIPT_TIMEOUT_SECONDS", 5),
		HTTPActionTimeoutSeconds:   envInt64Or("FLOWFORGE_HTTP_TIMEOUT_SECONDS", 30),
		OTLPEndpoint:               envOr("FLOWFORGE_OTLP_ENDPOINT", "stdout"),
		Logging: LoggingConfig{
			Level:  envOr("FLOWFORGE_LOG_LEVEL", "info"),
			Format: envOr("FLOWFORGE_LOG_FORMAT", "json"),
			Output: envOr("FLOWFORGE_LOG_OUTPUT", "stdout"),
		},
	}

	logger := NewProductionLogger(cfg.Logging, cfg.ServiceName)
	if prodLogger, ok := logger.(*ProductionLogger); ok {
		trackLogger(prodLogger)
	}
	cfg.logger = logger

	return cfg
}

// Logger returns the configured logger, defaulting to NoOpLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NoOpLogger{}
	}
	return c.logger
}

// WithLogger overrides the configured logger (used by tests).
func (c *Config) WithLogger(l Logger) *Config {
	c.logger = l
	return c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64Or(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// ============================================================================
// ProductionLogger — hand-rolled structured logger, no external dependency.
// ============================================================================

// ProductionLogger writes either newline-delimited JSON or a human-readable
// line per event, optionally forwarding low-cardinality fields to a
// MetricsRegistry once telemetry registers one.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger builds a Logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

// EnableMetrics is called once telemetry registers a MetricsRegistry.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

// WithComponent returns a Logger tagging every line with component.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields, nil) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields, nil) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields, nil) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	component := p.component
	if component == "" {
		component = "workflow"
	}

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": component,
			"message":   msg,
		}
		if ctx != nil {
			if corr := CorrelationIDFromContext(ctx); corr != "" {
				entry["correlation_id"] = corr
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		p.emitMetric(level, fields)
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&fieldStr, " %s=%v", k, v)
	}
	corrInfo := ""
	if ctx != nil {
		if corr := CorrelationIDFromContext(ctx); corr != "" {
			corrInfo = fmt.Sprintf("[corr=%s] ", corr)
		}
	}
	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n", timestamp, level, p.serviceName, component, corrInfo, msg, fieldStr.String())
	p.emitMetric(level, fields)
}

func (p *ProductionLogger) emitMetric(level string, fields map[string]interface{}) {
	if !p.metricsEnabled {
		return
	}
	registry := GetGlobalMetricsRegistry()
	if registry == nil {
		return
	}
	labels := []string{"level", level, "service", p.serviceName, "component", p.component}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_code", "step_kind":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	registry.Counter("workflow.log_lines", labels...)
}
