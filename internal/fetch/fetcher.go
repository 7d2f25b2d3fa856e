// Package fetch binds a gateway endpoint to observable state with optional
// interval polling, manual refetch and optimistic mutation.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/internal/gateway"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

// ErrStopped is returned by Refetch once the fetcher is stopped or was
// never started.
var ErrStopped = errors.New("fetcher stopped")

// Options configures a Fetcher.
type Options[T any] struct {
	// Disabled suspends all fetching, including polling.
	Disabled bool
	// RefetchInterval enables polling when positive.
	RefetchInterval time.Duration
	// OnSuccess is called with the decoded data after each successful attempt.
	OnSuccess func(T)
	// OnError is called with the failure message after each failed attempt.
	OnError func(string)
	// OnFailure is called alongside OnError with the structured failure.
	OnFailure func(*Error)
	// Request is passed to the requester on every attempt.
	Request gateway.RequestOptions
	// Decode converts the response payload. Defaults to json.Unmarshal.
	Decode func(json.RawMessage) (T, error)
}

// State is a snapshot of a Fetcher.
type State[T any] struct {
	Data    T
	HasData bool
	// Loading is true only while an attempt is in flight.
	Loading bool
	// Error is the message of the last failed attempt, cleared on success.
	Error     string
	UpdatedAt time.Time
	// Version increments whenever Data is replaced.
	Version uint64
}

// Error describes a failed attempt.
type Error struct {
	Endpoint string
	Message  string
	// Status is the HTTP status when the gateway answered.
	Status int
	// Transport is true when no response was received.
	Transport bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type refetchRequest struct {
	reply chan error
}

// Fetcher keeps State in sync with an endpoint. All attempts run on a single
// goroutine, so attempts of one Fetcher never overlap. Polling ticks,
// Trigger calls and Refetch calls all feed that goroutine.
//
// A response is applied only if the endpoint and options are unchanged since
// the attempt started; otherwise it is discarded when it lands.
type Fetcher[T any] struct {
	requester gateway.Requester
	logger    *logger.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	endpoint   string
	opts       Options[T]
	generation uint64
	state      State[T]
	started    bool
	stopped    bool
	pollStop   chan struct{}

	// fresh marks a pending Trigger that must bypass gateway deduplication.
	fresh    atomic.Bool
	triggers chan struct{}
	refetch  chan refetchRequest
	changes  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Fetcher. An empty endpoint disables fetching. Call Start to
// begin.
func New[T any](requester gateway.Requester, endpoint string, opts Options[T], log *logger.Logger) *Fetcher[T] {
	return &Fetcher[T]{
		requester: requester,
		logger:    logger.OrNop(log).Named("fetch"),
		tracer:    otel.Tracer("github.com/capitalize-ai/lead-inbox/internal/fetch"),
		endpoint:  endpoint,
		opts:      opts,
		triggers:  make(chan struct{}, 1),
		refetch:   make(chan refetchRequest),
		changes:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the fetch loop and, if enabled, the first attempt and the
// poll timer. The loop ends when ctx is cancelled or Stop is called.
func (f *Fetcher[T]) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	if f.activeLocked() {
		f.startPollLocked()
		f.Trigger()
	}
	f.mu.Unlock()

	go f.run(ctx)
}

// Stop ends the fetch loop and polling and waits for the loop to exit. An
// in-flight attempt is allowed to finish.
func (f *Fetcher[T]) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })

	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		<-f.done
	}
}

// Reconfigure replaces the endpoint and options. When anything that shapes
// the request changed (endpoint, enablement, interval, method, body,
// headers) the poll timer is rebuilt and, if enabled, one attempt is
// scheduled. Callback-only changes take effect silently.
func (f *Fetcher[T]) Reconfigure(endpoint string, opts Options[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := endpoint != f.endpoint ||
		opts.Disabled != f.opts.Disabled ||
		opts.RefetchInterval != f.opts.RefetchInterval ||
		!opts.Request.Equal(f.opts.Request)

	f.endpoint = endpoint
	f.opts = opts
	if !changed {
		return
	}

	f.generation++
	f.stopPollLocked()
	if f.started && !f.stopped && f.activeLocked() {
		f.startPollLocked()
		f.Trigger()
	}
}

// Trigger schedules an attempt without waiting for it. Triggers that arrive
// while one is already pending are merged. The attempt bypasses gateway
// deduplication.
func (f *Fetcher[T]) Trigger() {
	f.fresh.Store(true)
	f.schedule()
}

func (f *Fetcher[T]) schedule() {
	select {
	case f.triggers <- struct{}{}:
	default:
	}
}

// Refetch runs an attempt and waits for it. It returns nil without fetching
// when the fetcher is disabled, and the attempt's *Error on failure. The
// attempt bypasses gateway deduplication.
func (f *Fetcher[T]) Refetch(ctx context.Context) error {
	f.mu.Lock()
	live := f.started && !f.stopped
	f.mu.Unlock()
	if !live {
		return ErrStopped
	}

	req := refetchRequest{reply: make(chan error, 1)}
	select {
	case f.refetch <- req:
	case <-f.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mutate replaces Data locally without a request.
func (f *Fetcher[T]) Mutate(data T) {
	f.mu.Lock()
	f.state.Data = data
	f.state.HasData = true
	f.state.UpdatedAt = time.Now()
	f.state.Version++
	f.mu.Unlock()
	f.notify()
}

// Reset drops the collection and any error, as when the data belonged to
// another identity. In-flight responses are discarded when they land.
func (f *Fetcher[T]) Reset() {
	f.mu.Lock()
	var zero T
	f.generation++
	hadData := f.state.HasData
	f.state.Data = zero
	f.state.HasData = false
	f.state.Error = ""
	f.state.UpdatedAt = time.Time{}
	if hadData {
		f.state.Version++
	}
	f.mu.Unlock()
	f.notify()
}

// State returns the current state.
func (f *Fetcher[T]) State() State[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Endpoint returns the configured endpoint.
func (f *Fetcher[T]) Endpoint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

// Enabled reports whether attempts would currently be made.
func (f *Fetcher[T]) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

// Polling reports whether a poll timer is running.
func (f *Fetcher[T]) Polling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollStop != nil
}

// Changes receives a value after state transitions. Notifications are
// coalesced; read State for the current value.
func (f *Fetcher[T]) Changes() <-chan struct{} {
	return f.changes
}

func (f *Fetcher[T]) run(ctx context.Context) {
	defer close(f.done)
	defer func() {
		f.mu.Lock()
		f.stopped = true
		f.stopPollLocked()
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-f.triggers:
			attemptCtx := ctx
			if f.fresh.Swap(false) {
				attemptCtx = gateway.WithoutDedup(ctx)
			}
			f.attempt(attemptCtx)
		case req := <-f.refetch:
			req.reply <- f.attempt(gateway.WithoutDedup(ctx))
		}
	}
}

func (f *Fetcher[T]) attempt(ctx context.Context) error {
	f.mu.Lock()
	if !f.activeLocked() {
		f.mu.Unlock()
		return nil
	}
	endpoint := f.endpoint
	opts := f.opts
	generation := f.generation
	f.state.Loading = true
	f.mu.Unlock()
	f.notify()

	label := metricEndpoint(endpoint)
	ctx, span := f.tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("fetch.endpoint", label),
	))
	defer span.End()

	start := time.Now()
	data, failure := f.do(ctx, endpoint, opts)
	duration := time.Since(start)

	f.mu.Lock()
	stale := generation != f.generation
	f.state.Loading = false
	if !stale {
		if failure == nil {
			f.state.Data = data
			f.state.HasData = true
			f.state.Error = ""
			f.state.UpdatedAt = time.Now()
			f.state.Version++
		} else {
			f.state.Error = failure.Message
		}
	}
	f.mu.Unlock()

	result := "success"
	if failure != nil {
		result = "failure"
		span.SetStatus(codes.Error, failure.Message)
	}
	if stale {
		result = "discarded"
		span.SetAttributes(attribute.Bool("fetch.stale", true))
		f.logger.Debug("discarding response for superseded configuration", zap.String("endpoint", label))
	}
	metrics.RecordFetch(label, result, duration.Seconds())

	if failure == nil {
		if opts.OnSuccess != nil {
			opts.OnSuccess(data)
		}
	} else {
		f.logger.Warn("fetch failed",
			zap.String("endpoint", label),
			zap.Int("status", failure.Status),
			zap.Bool("transport", failure.Transport),
			zap.String("error", failure.Message),
		)
		if opts.OnError != nil {
			opts.OnError(failure.Message)
		}
		if opts.OnFailure != nil {
			opts.OnFailure(failure)
		}
	}
	f.notify()

	if failure != nil {
		return failure
	}
	return nil
}

func (f *Fetcher[T]) do(ctx context.Context, endpoint string, opts Options[T]) (T, *Error) {
	var zero T

	resp, err := f.requester.Request(ctx, endpoint, opts.Request)
	if err != nil {
		return zero, &Error{
			Endpoint:  endpoint,
			Message:   err.Error(),
			Status:    resp.Status,
			Transport: errors.Is(err, gateway.ErrTransport),
			Err:       err,
		}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "request failed"
		}
		return zero, &Error{Endpoint: endpoint, Message: msg, Status: resp.Status}
	}

	decode := opts.Decode
	if decode == nil {
		decode = decodeJSON[T]
	}
	data, err := decode(resp.Data)
	if err != nil {
		return zero, &Error{
			Endpoint: endpoint,
			Message:  fmt.Sprintf("malformed payload: %v", err),
			Status:   resp.Status,
			Err:      err,
		}
	}
	return data, nil
}

func (f *Fetcher[T]) activeLocked() bool {
	return !f.opts.Disabled && strings.TrimSpace(f.endpoint) != ""
}

func (f *Fetcher[T]) startPollLocked() {
	interval := f.opts.RefetchInterval
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	f.pollStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.schedule()
			}
		}
	}()
}

func (f *Fetcher[T]) stopPollLocked() {
	if f.pollStop != nil {
		close(f.pollStop)
		f.pollStop = nil
	}
}

func (f *Fetcher[T]) notify() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

func decodeJSON[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// metricEndpoint drops the query string to keep label cardinality bounded.
func metricEndpoint(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
