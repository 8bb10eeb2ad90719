// Package logger provides the structured logger used across the vault service layer.
//
// It is a thin wrapper over logrus so that callers can keep using the familiar
// WithField / WithFields / WithError / WithContext entry API while configuration
// (level, format, output) is driven from the service config.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures a Logger.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger wraps logrus.Logger with a component name attached to every entry.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger from config. Unknown levels fall back to info, unknown
// formats to text and unknown outputs to stdout.
func New(cfg LoggingConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	base.SetOutput(out)

	return &Logger{Logger: base}, nil
}

// NewDefault returns an info-level text logger on stdout tagged with component.
func NewDefault(component string) *Logger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetOutput(os.Stdout)
	l := &Logger{Logger: base}
	return l.Named(component)
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{Logger: base}
}

// Named returns a logger sharing the same output with a component field added
// to every entry.
func (l *Logger) Named(component string) *Logger {
	if component == "" {
		return l
	}
	child := logrus.New()
	child.SetLevel(l.GetLevel())
	child.SetFormatter(l.Formatter)
	child.SetOutput(l.Out)
	child.AddHook(componentHook{name: component})
	return &Logger{Logger: child, component: component}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

type componentHook struct {
	name string
}

func (h componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h componentHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["component"]; !ok {
		entry.Data["component"] = h.name
	}
	return nil
}

func openOutput(cfg LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "vault"
		}
		if dir := filepath.Dir(prefix); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(prefix+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	default:
		return os.Stdout, nil
	}
}
