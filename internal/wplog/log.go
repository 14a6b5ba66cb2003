// Package wplog configures the process-wide structured logger.
//
// Named wplog rather than log to avoid colliding with the stdlib log package still imported
// incidentally by a couple of adapted teacher files during the transition.
package wplog

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string
	Output  io.Writer
	Service string
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initializes the global zerolog logger exactly once; later calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		service := cfg.Service
		if service == "" {
			service = "watchparty"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// WithRoom returns a child logger tagged with both component and roomID, for the per-room log
// lines emitted by the room mailbox and media post-processor.
func WithRoom(component, roomID string) zerolog.Logger {
	return logger().With().Str("component", component).Str("room", roomID).Logger()
}

type ctxKey struct{}

// WithContext attaches logger to ctx so downstream calls can recover it via FromContext.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext recovers a logger attached to ctx, or the base logger if none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return Base()
}

func init() {
	Configure(Config{})
}
