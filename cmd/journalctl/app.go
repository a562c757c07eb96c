package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/mailjournal/badgerstore"
	"github.com/INLOpen/mailjournal/config"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/INLOpen/mailjournal/kafkapeer"
	"github.com/INLOpen/mailjournal/pebblestore"
	"github.com/INLOpen/mailjournal/wal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider
// exporting to an OTLP collector when tracing is enabled.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("journalctl")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// store is what every journal provider journalctl opens has in common.
type store interface {
	journal.Provider
	journal.PeerProvider
	OpenJournal(id core.JournalID) (journal.Stream, error)
	Journals() ([]core.JournalID, error)
	Close() error
}

// compacter is implemented by stores that can reclaim space on demand.
type compacter interface {
	Compact() error
}

// openStore opens the provider selected by cfg.Journal.Provider.
func openStore(cfg *config.Config, logger *slog.Logger, hm hooks.HookManager) (store, error) {
	switch strings.ToLower(cfg.Journal.Provider) {
	case "wal":
		compression, err := core.ParseCompressionType(cfg.WAL.Compression)
		if err != nil {
			return nil, err
		}
		s, err := wal.Open(wal.Options{
			Dir:               cfg.WAL.Dir,
			SyncMode:          core.SyncMode(cfg.WAL.SyncMode),
			MaxSegmentSize:    cfg.WAL.MaxSegmentSizeBytes,
			Compression:       compression,
			SaveAfterSegments: cfg.WAL.SaveAfterSegments,
			Logger:            logger,
			HookManager:       hm,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pebble":
		s, err := pebblestore.Open(pebblestore.Options{
			Dir:            cfg.Pebble.Dir,
			SyncMode:       core.SyncMode(cfg.Pebble.SyncMode),
			SaveAfterItems: cfg.Pebble.SaveAfterItems,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := badgerstore.Open(badgerstore.Options{
			Dir:            cfg.Badger.Dir,
			InMemory:       cfg.Badger.InMemory,
			LowMemory:      cfg.Badger.LowMemory,
			SyncMode:       core.SyncMode(cfg.Badger.SyncMode),
			SaveAfterItems: cfg.Badger.SaveAfterItems,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return nil, errors.New("the memory provider keeps nothing to inspect")
	default:
		return nil, fmt.Errorf("unknown journal provider %q", cfg.Journal.Provider)
	}
}

// openPeerProvider returns the provider peer journals are read from, and a
// closer for it when it is not the main store.
func openPeerProvider(cfg *config.Config, main store, logger *slog.Logger) (journal.PeerProvider, io.Closer, error) {
	switch strings.ToLower(cfg.Journal.PeerProvider) {
	case "":
		return nil, nil, nil
	case "same":
		pp, ok := main.(journal.PeerProvider)
		if !ok {
			return nil, nil, fmt.Errorf("provider %q cannot hold peer journals", cfg.Journal.Provider)
		}
		return pp, nil, nil
	case "kafka":
		s, err := kafkapeer.Dial(cfg.Peer.Brokers, nil, kafkapeer.Options{
			TopicPrefix:    cfg.Peer.TopicPrefix,
			SyncMode:       core.SyncMode(cfg.Peer.SyncMode),
			SaveAfterItems: cfg.Peer.SaveAfterItems,
			ReadTimeout:    config.ParseDuration(cfg.Peer.ReadTimeout, kafkapeer.DefaultReadTimeout, logger),
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown peer provider %q", cfg.Journal.PeerProvider)
	}
}

// journalOptions maps the journal section onto journal.Options.
func journalOptions(cfg *config.Config, logger *slog.Logger, hm hooks.HookManager) journal.Options {
	return journal.Options{
		Logger:             logger,
		Tracer:             otel.Tracer("journalctl"),
		IdleDelay:          config.ParseDuration(cfg.Journal.IdleDelay, 0, logger),
		ReplayOfferTimeout: config.ParseDuration(cfg.Journal.ReplayOfferTimeout, journal.DefaultReplayOfferTimeout, logger),
		Policy: journal.SavePolicy{
			MaxItems: cfg.Journal.SaveMaxItems,
			MaxAge:   config.ParseDuration(cfg.Journal.SaveMaxAge, 0, logger),
		},
		HookManager: hm,
	}
}
