package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"shadesnap/internal/coordinate"
	"shadesnap/internal/observe"
)

var (
	// ErrBusy means another operation holds the renderer. It is expected under load.
	ErrBusy = errors.New("renderer busy")
	// ErrNotReady means the renderer has not finished its initial navigation.
	ErrNotReady = errors.New("renderer not ready")
	// ErrRender wraps every failure reported by the renderer.
	ErrRender = errors.New("render operation failed")
)

// Renderer is the stateful rendering surface. Only the Arbitrator calls it.
type Renderer interface {
	NavigateInitial(ctx context.Context, url string) error
	SetView(ctx context.Context, key coordinate.Key) error
	WaitUntilStable(ctx context.Context) error
	Capture(ctx context.Context) ([]byte, error)
	EvaluatePoint(ctx context.Context, key coordinate.Key) (bool, error)
}

type GateState int32

const (
	Idle GateState = iota
	Busy
)

func (s GateState) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Session is the renderer's current view state.
type Session struct {
	Ready   bool
	View    coordinate.Key
	HasView bool
}

// Operation runs with exclusive access to the renderer.
type Operation func(ctx context.Context, r Renderer, s *Session) error

// Arbitrator is the single gate in front of the shared renderer. A caller
// that finds the gate held gets ErrBusy immediately; nothing is queued.
type Arbitrator struct {
	renderer Renderer
	timeout  time.Duration
	logger   *zap.Logger
	metrics  observe.Metrics
	tracer   trace.Tracer

	gate  *semaphore.Weighted
	state atomic.Int32

	mu      sync.Mutex
	session Session
}

type Option func(*Arbitrator)

// WithTimeout bounds every gated operation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Arbitrator) { a.timeout = d }
}

func WithMetrics(m observe.Metrics) Option {
	return func(a *Arbitrator) { a.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Arbitrator) { a.tracer = t }
}

func New(renderer Renderer, logger *zap.Logger, opts ...Option) *Arbitrator {
	a := &Arbitrator{
		renderer: renderer,
		logger:   logger,
		metrics:  observe.NoopMetrics(),
		tracer:   observe.NoopTracer(),
		gate:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start performs the one-time initial navigation. Until it succeeds every
// gated call returns ErrNotReady.
func (a *Arbitrator) Start(ctx context.Context, url string) error {
	if !a.gate.TryAcquire(1) {
		return ErrBusy
	}
	a.state.Store(int32(Busy))
	defer func() {
		a.state.Store(int32(Idle))
		a.gate.Release(1)
	}()

	if err := a.renderer.NavigateInitial(ctx, url); err != nil {
		return fmt.Errorf("%w: initial navigation: %w", ErrRender, err)
	}

	a.mu.Lock()
	a.session.Ready = true
	a.mu.Unlock()
	return nil
}

func (a *Arbitrator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Ready
}

func (a *Arbitrator) State() GateState {
	return GateState(a.state.Load())
}

// TryRun runs op if the gate is idle and the renderer is ready. The gate is
// released on every exit path, including a panic inside op.
func (a *Arbitrator) TryRun(ctx context.Context, name string, op Operation) (err error) {
	if !a.Ready() {
		a.metrics.RecordGate(ctx, name, "not_ready")
		return ErrNotReady
	}
	if !a.gate.TryAcquire(1) {
		a.metrics.RecordGate(ctx, name, "busy")
		a.logger.Debug("Renderer busy", zap.String("operation", name))
		return ErrBusy
	}
	a.state.Store(int32(Busy))
	a.metrics.RecordGate(ctx, name, "accepted")

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "render."+name)

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrRender, name, p)
		}

		a.mu.Lock()
		a.session = session
		a.mu.Unlock()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("render.has_view", session.HasView))
		span.End()
		a.metrics.RecordRender(ctx, name, time.Since(start), err)

		a.state.Store(int32(Idle))
		a.gate.Release(1)
	}()

	opCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := op(opCtx, a.renderer, &session); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRender, name, err)
	}
	return nil
}

// Snapshot renders key and returns PNG bytes. lookup is consulted once the
// gate is held so that a render completed by the previous holder is reused.
// The returned bool reports whether the bytes came from lookup.
func (a *Arbitrator) Snapshot(ctx context.Context, key coordinate.Key, lookup func() ([]byte, bool)) ([]byte, bool, error) {
	var (
		data   []byte
		cached bool
	)
	err := a.TryRun(ctx, "snapshot", func(ctx context.Context, r Renderer, s *Session) error {
		if lookup != nil {
			if b, ok := lookup(); ok {
				data, cached = b, true
				return nil
			}
		}

		if err := setView(ctx, r, s, key); err != nil {
			return err
		}
		if err := r.WaitUntilStable(ctx); err != nil {
			return fmt.Errorf("wait until stable: %w", err)
		}
		b, err := r.Capture(ctx)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, cached, nil
}

// PointInShade moves the renderer to key and samples the point under it.
func (a *Arbitrator) PointInShade(ctx context.Context, key coordinate.Key) (bool, error) {
	var inShade bool
	err := a.TryRun(ctx, "point", func(ctx context.Context, r Renderer, s *Session) error {
		if err := setView(ctx, r, s, key); err != nil {
			return err
		}
		if err := r.WaitUntilStable(ctx); err != nil {
			return fmt.Errorf("wait until stable: %w", err)
		}
		v, err := r.EvaluatePoint(ctx, key)
		if err != nil {
			return fmt.Errorf("evaluate point: %w", err)
		}
		inShade = v
		return nil
	})
	return inShade, err
}

func setView(ctx context.Context, r Renderer, s *Session, key coordinate.Key) error {
	// The surface may be half-moved after a failure, so the view is only
	// recorded once SetView returns cleanly.
	s.HasView = false
	if err := r.SetView(ctx, key); err != nil {
		return fmt.Errorf("set view: %w", err)
	}
	s.View = key
	s.HasView = true
	return nil
}
