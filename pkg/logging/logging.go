// Package logging configures the global zerolog logger from command flags.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	WithCaller bool   `mapstructure:"with-caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "text"}
}

// New builds a logger writing to w, or to File when set. Text output is
// colored only when w is a terminal.
func New(s Settings, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := w
	if s.File != "" {
		out = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}

	switch strings.ToLower(s.Format) {
	case "", "text":
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    s.File != "" || !isTerminal(w),
			TimeFormat: time.TimeOnly,
		}
	case "json":
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", s.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// Init replaces the global logger.
func Init(s Settings) error {
	l, err := New(s, os.Stderr)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l.GetLevel())
	log.Logger = l
	return nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "parse log level %q", level)
	}
	return l, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
