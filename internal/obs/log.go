package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// LogConfig selects the output shape of the shared logger.
type LogConfig struct {
	Level       string
	Development bool
	Output      io.Writer
	Service     string
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerOnce.Do(func() {
		logger = NewLogger(LogConfig{Service: ServiceName})
	})
	return &logger
}

// Configure replaces the shared logger. Call it before serving traffic.
func Configure(cfg LogConfig) {
	loggerOnce.Do(func() {})
	if cfg.Service == "" {
		cfg.Service = ServiceName
	}
	logger = NewLogger(cfg)
}

// NewLogger builds a zerolog logger: JSON lines by default, a console
// writer in development.
func NewLogger(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}

	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}

	var w io.Writer = out
	if cfg.Development {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				"module",
				zerolog.MessageFieldName,
			},
		}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger()
}

// Module returns a child of the shared logger tagged with a module name.
func Module(name string) zerolog.Logger {
	return Logger().With().Str("module", name).Logger()
}
