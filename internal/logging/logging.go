// Package logging builds the process logger.
//
// Components take a *log.Logger with their own bracketed prefix. New
// returns the shared writer they are built on: stderr, plus a size-rotated
// log file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/storyforge/storyforge/internal/config"
)

// Flags are the log flags used by every component logger.
const Flags = log.LstdFlags

// Output is the destination component loggers write to.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// New opens the output described by cfg. console is usually os.Stderr; nil
// disables console output, which the daemon uses when stderr is detached.
func New(cfg config.LogConfig, console io.Writer) (*Output, error) {
	out := &Output{}

	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		out.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, out.file)
	}

	switch len(writers) {
	case 0:
		out.w = io.Discard
	case 1:
		out.w = writers[0]
	default:
		out.w = io.MultiWriter(writers...)
	}
	return out, nil
}

// Logger returns a logger for one component. component "engine" gives the
// prefix "[engine] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", Flags)
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Rotate starts a new log file. It is a no-op without a file.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
