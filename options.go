package redmap

import (
	"log/slog"
	"time"

	"github.com/hupe1980/redmap/codec"
	"github.com/hupe1980/redmap/resource"
)

type options struct {
	namespace  string
	tempKeyTTL time.Duration
	logger     *Logger
	controller *resource.Controller
	codec      codec.Codec
}

// Option configures Backend constructor behavior.
type Option func(*options)

// WithNamespace sets the key prefix for every model managed by this
// backend. An empty namespace is valid; keys then start at the model name.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithTempKeyTTL sets the expiry attached to every temporary key the
// query compiler creates. Temp keys always expire; this only bounds how
// long an abandoned intermediate result can linger if a client crashes
// mid-operation. Values <= 0 fall back to the default (1 minute).
func WithTempKeyTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.tempKeyTTL = ttl
		}
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithCodec sets the default value codec for structures created without
// one. Default is the scalar codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithController bounds pipeline dispatch concurrency and background
// flush rate. A nil controller leaves dispatch unbounded.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		tempKeyTTL: time.Minute,
		logger:     NoopLogger(),
		codec:      codec.Scalar{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
