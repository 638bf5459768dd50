package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/rs/zerolog"
)

type spanKey struct{}

// ZerologTracer writes spans and events as debug log lines.
type ZerologTracer struct {
	logger zerolog.Logger
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan returns a context carrying the span logger, so nested spans and
// events inherit its fields.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	parent := t.fromContext(ctx)
	fields := parent.With().Str("span", name)
	if len(attrs) > 0 {
		fields = fields.Fields(attrs)
	}
	spanLogger := fields.Logger()
	ctx = context.WithValue(ctx, spanKey{}, spanLogger)

	start := time.Now()
	spanLogger.Debug().Str("event", "span_start").Msg("span started")

	finish := func(err error) {
		ev := spanLogger.Debug()
		if err != nil {
			ev = spanLogger.Warn().Err(err)
		}
		ev.Str("event", "span_end").Dur("duration", time.Since(start)).Msg("span finished")
	}
	return ctx, finish
}

func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.fromContext(ctx)
	logger.Debug().Fields(attrs).Str("event", name).Msg("trace event")
}

func (t *ZerologTracer) fromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(spanKey{}).(zerolog.Logger); ok {
		return l
	}
	return t.logger
}

var _ ports.Tracer = (*ZerologTracer)(nil)
