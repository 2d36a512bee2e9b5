// Package logx configures the process-wide zerolog setup: a colored
// console stream plus one timestamped log file per run, and the cleanup
// of files left behind by earlier runs.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

	// filePrefix and fileSuffix bracket the start timestamp in every
	// log file name, e.g. log2026-08-25_14-03-59.log.
	filePrefix      = "log"
	fileSuffix      = ".log"
	fileStampLayout = "2006-01-02_15-04-05"
)

type Config struct {
	// Level is a zerolog level name; unknown values fall back to info.
	Level string

	// Console enables the human-readable stderr stream alongside the
	// JSON file.
	Console bool

	// Dir is where per-run log files live. Empty disables file output.
	Dir string

	// KeepFor bounds the age of old log files for CleanupOldLogs.
	KeepFor time.Duration
}

// New builds the root logger. The returned closer flushes and closes
// the per-run log file, if any; it is safe to call when file output is
// disabled.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: consoleTimeFormat,
		})
	}

	var file *os.File
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		name := filePrefix + time.Now().Format(fileStampLayout) + fileSuffix
		f, err := os.Create(filepath.Join(cfg.Dir, name))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log file: %w", err)
		}
		file = f
		sinks = append(sinks, f)
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	log := zerolog.New(out).With().Timestamp().Logger()
	return log, closer{file}, nil
}

// ParseLevel maps a config string to a zerolog level, defaulting to
// info rather than failing on typos.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type closer struct {
	file *os.File
}

func (c closer) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}
