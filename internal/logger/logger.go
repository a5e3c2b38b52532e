// Copyright 2025 The Everflow Authors
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

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures logger construction.
type Options struct {
	// Debug selects the human-readable colorized handler instead of the
	// JSON + OTLP pipeline.
	Debug bool

	// Writer receives log output. Defaults to os.Stdout.
	Writer io.Writer

	// Level is the minimum level handled.
	Level slog.Level

	// OTELExporter selects the OTLP log exporter: "none", "otlp-http" or
	// "otlp-grpc". Ignored in debug mode.
	OTELExporter string

	// Service identity attached to exported records.
	ServiceName    string
	ServiceVersion string
}

// Logger bundles the slog logger with the OTEL provider that must be shut
// down on exit (nil in debug mode).
type Logger struct {
	Slogger *slog.Logger
	*sdklog.LoggerProvider
}

// Shutdown flushes any buffered OTLP records.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.LoggerProvider == nil {
		return nil
	}
	return l.LoggerProvider.Shutdown(ctx)
}

// New builds a logger according to opts.
func New(ctx context.Context, opts *Options) (*Logger, error) {
	if opts == nil {
		opts = &Options{Debug: true}
	}
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	if opts.Debug {
		return &Logger{Slogger: slog.New(&DebugHandler{out: w, level: opts.Level})}, nil
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}),
	}

	var provider *sdklog.LoggerProvider
	if opts.OTELExporter != "" && opts.OTELExporter != "none" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(opts.ServiceName),
				semconv.ServiceVersion(opts.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("merge otel resource: %w", err)
		}

		var exporter sdklog.Exporter
		switch opts.OTELExporter {
		case "otlp-grpc":
			exporter, err = otlploggrpc.New(ctx)
		default: // otlp-http
			exporter, err = otlploghttp.New(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("create otlp log exporter: %w", err)
		}

		provider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
			sdklog.WithResource(res),
		)
		handlers = append(handlers, otelslog.NewHandler(
			opts.ServiceName, otelslog.WithLoggerProvider(provider)))
	}

	return &Logger{
		Slogger:        slog.New(&MultiHandler{handlers: handlers}),
		LoggerProvider: provider,
	}, nil
}

// Default returns l if non-nil, else the process default logger. Components
// accept an optional logger and fall back through this.
func Default(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

type (
	// DebugHandler writes colorized single-line records for local
	// development.
	DebugHandler struct {
		out   io.Writer
		level slog.Level
		attrs []slog.Attr
		mut   sync.Mutex
	}

	// MultiHandler fans a record out to every wrapped handler.
	MultiHandler struct {
		handlers []slog.Handler
	}
)

var _ slog.Handler = (*DebugHandler)(nil)
var _ slog.Handler = (*MultiHandler)(nil)

func (h *DebugHandler) Handle(_ context.Context, r slog.Record) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	entry := fmt.Sprintf("%s %s %s%s\n",
		color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05")),
		levelColor(r.Level),
		r.Message,
		formatAttributes(attrs),
	)

	_, err := h.out.Write([]byte(entry))
	return err
}

func (h *DebugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DebugHandler{
		out:   h.out,
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *DebugHandler) WithGroup(string) slog.Handler { return h }

func (h *DebugHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		// Best-effort: a failing handler must not starve the others.
		if err := h.Handle(ctx, record); err != nil {
			slog.Error("error from slog handler", "error", err)
		}
	}
	return nil
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: next}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: next}
}

func levelColor(level slog.Level) string {
	var bg, fg color.Attribute
	switch level {
	case slog.LevelDebug:
		bg, fg = color.BgMagenta, color.FgWhite
	case slog.LevelInfo:
		bg, fg = color.BgBlue, color.FgWhite
	case slog.LevelWarn:
		bg, fg = color.BgYellow, color.FgBlack
	case slog.LevelError:
		bg, fg = color.BgRed, color.FgWhite
	default:
		bg, fg = color.BgWhite, color.FgBlack
	}
	return color.New(bg, fg, color.Bold).Sprint(" " + strings.ToUpper(level.String()) + " ")
}

func formatAttributes(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, formatAttrValue(attr.Value)))
	}
	return " " + strings.Join(parts, " ")
}

func formatAttrValue(v slog.Value) string {
	if valuer, ok := v.Any().(slog.LogValuer); ok {
		return formatAttrValue(valuer.LogValue())
	}

	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}
