// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the leveled, structured logging used
// throughout waitless. It wraps log/slog with a TRACE level below
// slog's built-in Debug, a severity-renamed set of attrs, and an
// optional asynchronous, rotated file sink so that logging never
// becomes the bottleneck in a process tree being observed.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered below slog's built-ins so Trace sorts below
// Debug.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Format selects the structured log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		lvl, _ := a.Value.Any().(slog.Level)
		a.Value = slog.StringValue(severityName(lvl))
		a.Key = "severity"
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

func newHandler(w io.Writer, level *slog.LevelVar, format Format) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, programLevel, FormatText))
	closer        io.Closer
)

// Options configures Init.
type Options struct {
	// LogFile, if non-empty, is rotated with lumberjack and written to
	// asynchronously. If empty, logs go straight to stderr.
	LogFile string
	Format  Format
	// Verbose raises the level to Trace; otherwise the level is Info,
	// matching the WAITLESS_VERBOSE environment contract carried over
	// from the original implementation's env.is_verbose().
	Verbose bool

	MaxSizeMB  int
	MaxBackups int
}

// Init reconfigures the package-level logger. It returns an io.Closer
// that flushes and closes the async sink, if one was created (a no-op
// closer otherwise); callers should defer its Close at shutdown.
func Init(opts Options) (io.Closer, error) {
	mu.Lock()
	defer mu.Unlock()

	if opts.Verbose {
		programLevel.Set(LevelTrace)
	} else {
		programLevel.Set(LevelInfo)
	}

	var w io.Writer = os.Stderr
	var newCloser io.Closer
	if opts.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			Compress:   true,
		}
		async := NewAsyncLogger(lj, 4096)
		w = async
		newCloser = async
	}

	format := opts.Format
	if format == "" {
		format = FormatText
	}

	defaultLogger = slog.New(newHandler(w, programLevel, format))
	closer = newCloser
	if closer == nil {
		return io.NopCloser(nil), nil
	}
	return closer, nil
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func logf(level slog.Level, format string, args ...any) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarning, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }
