package apperr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/pkg/logger"
	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

const defaultHandlerTimeout = 10 * time.Second

// Handler processes one error event. Returning an error (or panicking)
// marks the handler as failed; the event then goes to the fallback.
type Handler func(ctx context.Context, e AppError) error

// Fallback receives events with no registered handler and events whose
// handler failed.
type Fallback func(ctx context.Context, e AppError)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log *logger.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithFallback replaces the default logging fallback.
func WithFallback(fb Fallback) PipelineOption {
	return func(p *Pipeline) { p.fallback = fb }
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.handlerTimeout = d }
}

// Pipeline queues error events and dispatches them one at a time in the
// order they were received. Handlers never run concurrently.
type Pipeline struct {
	mu             sync.Mutex
	handlers       map[Kind]Handler
	queue          []AppError
	draining       bool
	idle           chan struct{}
	fallback       Fallback
	handlerTimeout time.Duration
	log            *logger.Logger
}

// NewPipeline creates an independent pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		handlers:       make(map[Kind]Handler),
		handlerTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global()
	}
	p.log = p.log.Named("apperr")
	if p.fallback == nil {
		p.fallback = p.logFallback
	}
	return p
}

var (
	defaultOnce     sync.Once
	defaultPipeline *Pipeline
)

// Default returns the process-wide pipeline, created on first use.
func Default() *Pipeline {
	defaultOnce.Do(func() {
		defaultPipeline = NewPipeline()
	})
	return defaultPipeline
}

// RegisterHandler installs h for kind, replacing any previous handler.
func (p *Pipeline) RegisterHandler(kind Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.handlers, kind)
		return
	}
	p.handlers[kind] = h
}

// HasHandler reports whether a handler is registered for kind.
func (p *Pipeline) HasHandler(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[kind]
	return ok
}

// ClearHandlers removes every registered handler.
func (p *Pipeline) ClearHandlers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.handlers)
}

// HandleError enqueues e and starts draining if no drain is running.
// It never blocks on handler execution.
func (p *Pipeline) HandleError(e AppError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, e)
	metrics.ErrorQueueDepth.Set(float64(len(p.queue)))

	if p.draining {
		return
	}
	p.draining = true
	p.idle = make(chan struct{})
	go p.drain()
}

// Wait blocks until the queue is empty and no handler is running.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			close(p.idle)
			p.mu.Unlock()
			return
		}
		e := p.queue[0]
		p.queue[0] = AppError{}
		p.queue = p.queue[1:]
		h := p.handlers[e.Kind]
		metrics.ErrorQueueDepth.Set(float64(len(p.queue)))
		p.mu.Unlock()

		p.dispatch(e, h)
	}
}

func (p *Pipeline) dispatch(e AppError, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), p.handlerTimeout)
	defer cancel()

	if h == nil {
		metrics.ClientErrorsTotal.WithLabelValues(string(e.Kind), "unhandled").Inc()
		p.runFallback(ctx, e)
		return
	}

	if err := invoke(ctx, h, e); err != nil {
		p.log.Error("error handler failed",
			zap.String("error_id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
		metrics.ClientErrorsTotal.WithLabelValues(string(e.Kind), "handler_failed").Inc()
		p.runFallback(ctx, e)
		return
	}
	metrics.ClientErrorsTotal.WithLabelValues(string(e.Kind), "handled").Inc()
}

func invoke(ctx context.Context, h Handler, e AppError) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (p *Pipeline) runFallback(ctx context.Context, e AppError) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("error fallback panicked", zap.String("error_id", e.ID), zap.Any("panic", r))
		}
	}()
	p.fallback(ctx, e)
}

func (p *Pipeline) logFallback(_ context.Context, e AppError) {
	fields := []zap.Field{
		zap.String("error_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.Code != "" {
		fields = append(fields, zap.String("code", e.Code))
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.Status != 0 {
		fields = append(fields, zap.Int("status", e.Status))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	p.log.Error(e.Message, fields...)
}
