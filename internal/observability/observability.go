// Package observability configures the process-wide slog logger.
//
// Logs go to stderr as text or JSON. When an exporter is selected, records
// are bridged to the OpenTelemetry logs SDK instead and shipped via OTLP
// (configured through the standard OTEL_EXPORTER_OTLP_* variables) or
// printed by the stdout exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies this module in exported log records.
const instrumentationName = "github.com/nwolfenzon/dhis2-chai"

// Exporter names.
const (
	ExporterNone     = ""
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ShutdownFunc flushes and stops the logging pipeline.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger. format is "text" or "json"
// and only applies without an exporter. The returned ShutdownFunc must be
// called before exit to flush exported records.
func Instrument(ctx context.Context, level slog.Level, format, exporter string) (ShutdownFunc, error) {
	return instrument(ctx, os.Stderr, level, format, exporter)
}

func instrument(ctx context.Context, w io.Writer, level slog.Level, format, exporter string) (ShutdownFunc, error) {
	if exporter == ExporterNone {
		handler, err := newLocalHandler(w, level, format)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return func(context.Context) error { return nil }, nil
	}

	logExporter, err := newExporter(ctx, w, exporter)
	if err != nil {
		return nil, err
	}

	var processor sdklog.Processor
	if exporter == ExporterStdout {
		processor = sdklog.NewSimpleProcessor(logExporter)
	} else {
		processor = sdklog.NewBatchProcessor(logExporter)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)
	global.SetLoggerProvider(provider)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		_, _ = fmt.Fprintf(w, "opentelemetry: %v\n", err)
	}))

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}

func newLocalHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newExporter(ctx context.Context, w io.Writer, exporter string) (sdklog.Exporter, error) {
	switch exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", exporter)
	}
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
