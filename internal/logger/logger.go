// Copyright 2026 The cowfs Authors. All Rights Reserved.
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

// Package logger is the process-wide logging facility: package-level
// Infof/Warnf/Errorf/Tracef functions against a single default logger,
// rather than a logger handle passed through every call.
package logger

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Severity ranks log verbosity (OFF < ERROR < WARNING < INFO < TRACE).
type Severity int

const (
	LevelOff Severity = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelTrace
)

var (
	mu      sync.Mutex
	sev     = LevelInfo
	handler *slog.Logger
)

func init() {
	handler = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// SetFormat switches between "text" and "json" output, matching the
// --log-format flag.
func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: slogLevel(sev)}
	switch format {
	case "json":
		handler = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		handler = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// SetSeverity changes the minimum severity that reaches the writer.
func SetSeverity(s Severity) {
	mu.Lock()
	defer mu.Unlock()
	sev = s
}

func slogLevel(s Severity) slog.Level {
	switch {
	case s >= LevelTrace:
		return slog.LevelDebug - 4
	case s >= LevelInfo:
		return slog.LevelInfo
	case s >= LevelWarning:
		return slog.LevelWarn
	case s >= LevelError:
		return slog.LevelError
	default:
		return slog.LevelError + 100 // effectively silent
	}
}

func current() (*slog.Logger, Severity) {
	mu.Lock()
	defer mu.Unlock()
	return handler, sev
}

// Tracef logs at trace severity.
func Tracef(format string, args ...any) {
	l, s := current()
	if s < LevelTrace {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

// Infof logs at info severity.
func Infof(format string, args ...any) {
	l, s := current()
	if s < LevelInfo {
		return
	}
	l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs at warning severity.
func Warnf(format string, args ...any) {
	l, s := current()
	if s < LevelWarning {
		return
	}
	l.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs at error severity.
func Errorf(format string, args ...any) {
	l, s := current()
	if s < LevelError {
		return
	}
	l.Error(fmt.Sprintf(format, args...))
}

// legacyWriter adapts a severity-ranked line sink to io.Writer so the FUSE
// library's *log.Logger hooks feed the same default logger as everything
// else.
type legacyWriter struct {
	sev    Severity
	prefix string
}

func (w *legacyWriter) Write(p []byte) (int, error) {
	msg := w.prefix + strings.TrimRight(string(p), "\n")
	switch w.sev {
	case LevelError:
		Errorf("%s", msg)
	default:
		Tracef("%s", msg)
	}
	return len(p), nil
}

// NewLegacyLogger returns a *log.Logger that forwards each line to the
// default logger at severity s, for libraries that only accept the standard
// library's logger type.
func NewLegacyLogger(s Severity, prefix string) *log.Logger {
	return log.New(&legacyWriter{sev: s, prefix: prefix}, "", 0)
}
