package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type (
	// LogConfiguration is the logging setup of the node, loaded from the
	// configuration file / flags by the cmd package.
	LogConfiguration struct {
		Level      string `mapstructure:"level"`
		Format     string `mapstructure:"format"` // "text" or "json"
		OutputPath string `mapstructure:"output"` // file name, "stdout" or "stderr"
		TimeFormat string `mapstructure:"time-format"`
	}
)

// NOP returns a logger that discards everything.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// New creates a logger based on the configuration. Zero value configuration
// gives an info level text logger to stderr.
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	out, err := cfg.output()
	if err != nil {
		return nil, err
	}
	h, err := cfg.handler(out)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) handler(out io.Writer) (slog.Handler, error) {
	level, err := cfg.logLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: formatTimeAttr(cfg.TimeFormat),
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) logLevel() (slog.Level, error) {
	switch strings.ToLower(cfg.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
	}
	return level, nil
}

func (cfg *LogConfiguration) output() (io.Writer, error) {
	switch cfg.OutputPath {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log output file: %w", err)
	}
	return f, nil
}

func formatTimeAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "":
		// whatever handler does by default...
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}
