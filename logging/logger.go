package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and output format of the root logger
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// ComponentLogger provides structured logging for gateway components
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates the root logger for the service
func NewComponentLogger(componentName, version string, cfg Config) *ComponentLogger {
	return newComponentLogger(os.Stderr, componentName, version, cfg)
}

func newComponentLogger(out io.Writer, componentName, version string, cfg Config) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

// NewFromZerolog wraps an existing zerolog logger, mostly for tests
func NewFromZerolog(logger zerolog.Logger) *ComponentLogger {
	return &ComponentLogger{logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a config level name onto zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger tagged with a sub-component name
func (cl *ComponentLogger) With(subComponent string) *ComponentLogger {
	return &ComponentLogger{
		logger: cl.logger.With().Str("subcomponent", subComponent).Logger(),
	}
}

// WithNode returns a child logger tagged with a ledger node name
func (cl *ComponentLogger) WithNode(node string) *ComponentLogger {
	return &ComponentLogger{
		logger: cl.logger.With().Str("node", node).Logger(),
	}
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// LogStartup logs service startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Int("nodes", config.Nodes).
		Int("eligible_nodes", config.EligibleNodes).
		Str("storage", config.StorageType).
		Float64("quorum_proportion", config.QuorumProportion).
		Int("health_port", config.HealthPort).
		Msg("Starting ledger aggregation gateway")
}

// LogCommit logs a committed operation group
func (cl *ComponentLogger) LogCommit(stateVersion uint64, groupIndex uint32, operations int, duration time.Duration) {
	cl.Debug().
		Uint64("state_version", stateVersion).
		Uint32("group_index", groupIndex).
		Int("operations", operations).
		Dur("commit_time", duration).
		Msg("Operation group committed")
}

// LogIntegrityViolation logs a rejected operation group. These are never retried
// with the same input so they are always logged at error level.
func (cl *ComponentLogger) LogIntegrityViolation(stateVersion uint64, groupIndex uint32, err error) {
	cl.Error().
		Uint64("state_version", stateVersion).
		Uint32("group_index", groupIndex).
		Err(err).
		Msg("Ledger integrity violation, discarding reports above watermark")
}

// StartupConfig represents service startup configuration
type StartupConfig struct {
	Nodes            int
	EligibleNodes    int
	StorageType      string
	QuorumProportion float64
	HealthPort       int
}
