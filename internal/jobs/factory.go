package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

const pingTimeout = 3 * time.Second

// Options configures queue construction.
type Options struct {
	MaxAttempts int
	Backoff     retry.Policy
	JobTimeout  time.Duration
	IDs         knowledge.IDGenerator
	Clock       knowledge.Clock
	Logger      *zap.Logger
}

func (o Options) stamper() stamper {
	attempts := o.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return stamper{ids: o.IDs, clock: o.Clock, maxAttempts: attempts}
}

// New picks the queue implementation once at startup. A nil or unreachable
// broker selects the inline queue, which runs handler directly.
func New(ctx context.Context, broker Broker, handler Handler, opts Options) Queue {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("jobs")
	opts.Logger = logger

	if broker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := broker.Ping(pingCtx)
		cancel()
		if err == nil {
			telemetry.SetInlineMode(false)
			logger.Info("job queue ready", zap.String("mode", ModeBroker), zap.Bool("durable", broker.Durable()))
			return &BrokerQueue{broker: broker, stamp: opts.stamper(), logger: logger}
		}
		logger.Warn("job broker unreachable, running jobs inline", zap.Error(err))
		if cerr := broker.Close(); cerr != nil {
			logger.Warn("close unreachable broker", zap.Error(cerr))
		}
	}

	telemetry.SetInlineMode(true)
	logger.Warn("job queue running inline", zap.String("mode", ModeInline), zap.Bool("durable", false))
	return newInline(handler, opts)
}
