package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/apperr"
	xhttp "OmegaBTC/pkg/http"
	"OmegaBTC/pkg/logger"
)

// Runner is a long-running component. Run returns when ctx is done or the
// component fails.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Feed is the price feed.
type Feed interface {
	Runner
	Health() models.FeedHealth
}

// Detector consumes the feed's tick channel until it is closed.
type Detector interface {
	Name() string
	Run(ctx context.Context, ticks <-chan models.Tick) error
}

// QueueConsumer drains the trap queue.
type QueueConsumer interface {
	Runner
	Drain(ctx context.Context) (int, error)
}

// StoreGuard reports state store availability.
type StoreGuard interface {
	Accepting() bool
	Outage() (time.Time, error)
}

// Closer releases a resource during shutdown.
type Closer struct {
	Name  string
	Close func() error
}

// Components is everything the coordinator owns. Nil members are skipped.
type Components struct {
	Feed     Feed
	Ticks    <-chan models.Tick
	Detector Detector
	Consumer QueueConsumer
	// Aux runs alongside the pipeline and stops with the consumers.
	Aux []Runner
	// Warmup runs before any component starts.
	Warmup  func(ctx context.Context) error
	Adapter interface{ Close() error }
	Guard   StoreGuard
	// Closers run last, in order.
	Closers []Closer
}

type Config struct {
	GracePeriod time.Duration
	// StopTimeout bounds the whole shutdown started by Run.
	StopTimeout time.Duration
}

// App coordinates component lifecycles, health aggregation and orderly
// shutdown.
type App struct {
	cfg        Config
	c          Components
	logger     *logger.Logger
	httpServer *xhttp.Server

	mu      sync.Mutex
	health  map[string]models.ComponentHealth
	started bool
	stopped bool

	fatal     chan struct{}
	fatalOnce sync.Once
	fatalErr  error

	cancelFeed, cancelDetector, cancelWork context.CancelFunc
	feedDone, detectorDone                 chan struct{}
	consumerDone, auxDone                  chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func New(cfg Config, c Components, lgr *logger.Logger) *App {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = cfg.GracePeriod + 10*time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &App{
		cfg:    cfg,
		c:      c,
		logger: lgr.Component("coordinator"),
		health: make(map[string]models.ComponentHealth),
		fatal:  make(chan struct{}),
	}
}

// SetHTTPServer attaches the telemetry server, started and stopped with
// the app.
func (a *App) SetHTTPServer(s *xhttp.Server) { a.httpServer = s }

// Fail starts an orderly shutdown because of err. Only the first call
// counts.
func (a *App) Fail(err error) {
	a.fatalOnce.Do(func() {
		a.fatalErr = err
		a.logger.Error("fatal component failure, shutting down", logger.Error(err))
		close(a.fatal)
	})
}

// Err is the fatal error that stopped the app, if any.
func (a *App) Err() error {
	select {
	case <-a.fatal:
		return a.fatalErr
	default:
		return nil
	}
}

// Start warms up and launches every component. Component contexts are
// detached from ctx; cancellation of the pipeline is driven by Stop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("coordinator already started")
	}
	a.started = true
	a.mu.Unlock()

	if a.c.Warmup != nil {
		if err := a.c.Warmup(ctx); err != nil {
			return fmt.Errorf("warm start: %w", err)
		}
	}

	base := context.WithoutCancel(ctx)
	var feedCtx, detCtx, workCtx context.Context
	feedCtx, a.cancelFeed = context.WithCancel(base)
	detCtx, a.cancelDetector = context.WithCancel(base)
	workCtx, a.cancelWork = context.WithCancel(base)

	if d := a.c.Detector; d != nil && a.c.Ticks != nil {
		ticks := a.c.Ticks
		a.detectorDone = a.spawn(d.Name(), func() error { return d.Run(detCtx, ticks) })
	}
	if c := a.c.Consumer; c != nil {
		a.consumerDone = a.spawn(c.Name(), func() error { return c.Run(workCtx) })
	}
	if len(a.c.Aux) > 0 {
		done := make(chan struct{})
		var wg sync.WaitGroup
		for _, r := range a.c.Aux {
			r := r
			wg.Add(1)
			ch := a.spawn(r.Name(), func() error { return r.Run(workCtx) })
			go func() {
				<-ch
				wg.Done()
			}()
		}
		go func() {
			wg.Wait()
			close(done)
		}()
		a.auxDone = done
	}
	if f := a.c.Feed; f != nil {
		a.feedDone = a.spawn(f.Name(), func() error { return f.Run(feedCtx) })
	}

	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		a.setStatus("http", models.StatusOK, nil)
	}
	a.logger.Info("coordinator started")
	return nil
}

// spawn runs fn and tracks its health. A component returning an error is a
// fatal failure.
func (a *App) spawn(name string, fn func() error) chan struct{} {
	done := make(chan struct{})
	a.setStatus(name, models.StatusOK, nil)
	go func() {
		defer close(done)
		err := fn()
		if err == nil || errors.Is(err, context.Canceled) {
			a.setStatus(name, models.StatusStopped, nil)
			if !a.isStopping() {
				a.logger.Warn("component stopped", logger.String("component", name))
			}
			return
		}
		a.setStatus(name, models.StatusFailed, err)
		a.Fail(fmt.Errorf("%s: %w", name, err))
	}()
	return done
}

// Run starts the app and blocks until ctx is done or a component fails,
// then stops it. It returns the fatal error, if any.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Fail(err)
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout)
		defer cancel()
		_ = a.Stop(sctx)
		return err
	}

	var httpErr <-chan error
	if a.httpServer != nil {
		httpErr = a.httpServer.Err()
	}
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case <-a.fatal:
	case err := <-httpErr:
		a.setStatus("http", models.StatusFailed, err)
		a.Fail(fmt.Errorf("http server: %w", err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout)
	defer cancel()
	stopErr := a.Stop(sctx)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

// Stop shuts down in order: the feed, then the detector draining the
// ticks already read, then the trap consumers draining the queue for up
// to the grace period, then the exchange adapter and the remaining
// resources. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.logger.Info("stopping")

	var errs []error

	if a.cancelFeed != nil {
		a.cancelFeed()
	}
	if !wait(ctx, a.feedDone) {
		errs = append(errs, errors.New("price feed did not stop in time"))
	}

	if !wait(ctx, a.detectorDone) {
		errs = append(errs, errors.New("trap detector did not drain in time"))
	}
	if a.cancelDetector != nil {
		a.cancelDetector()
	}

	if a.cancelWork != nil {
		a.cancelWork()
	}
	wait(ctx, a.consumerDone)
	if c := a.c.Consumer; c != nil && (a.c.Guard == nil || a.c.Guard.Accepting()) {
		gctx, cancel := context.WithTimeout(ctx, a.cfg.GracePeriod)
		n, err := c.Drain(gctx)
		cancel()
		switch {
		case err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
			errs = append(errs, fmt.Errorf("drain trap queue: %w", err))
		case err != nil:
			a.logger.Warn("grace period elapsed with trap events still queued", logger.Int("handled", n))
		default:
			a.logger.Info("trap queue drained", logger.Int("handled", n))
		}
	}
	if !wait(ctx, a.auxDone) {
		errs = append(errs, errors.New("background tasks did not stop in time"))
	}

	if a.c.Adapter != nil {
		if err := a.c.Adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exchange adapter: %w", err))
		}
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		a.setStatus("http", models.StatusStopped, nil)
	}
	errs = append(errs, a.closeAll()...)

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("stopped with errors", logger.Error(err))
	} else {
		a.logger.Info("stopped")
	}
	return err
}

func (a *App) closeAll() []error {
	var errs []error
	for _, c := range a.c.Closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}
	return errs
}

// Drain handles everything queued without starting the pipeline, then
// releases all resources. It backs the drain command.
func (a *App) Drain(ctx context.Context) (int, error) {
	var n int
	var err error
	if a.c.Consumer != nil {
		n, err = a.c.Consumer.Drain(ctx)
	}
	var errs []error
	if a.c.Adapter != nil {
		if cerr := a.c.Adapter.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	errs = append(errs, a.closeAll()...)
	if err != nil {
		return n, err
	}
	return n, errors.Join(errs...)
}

// Health aggregates component states. An unavailable state store or a
// disconnected feed degrades the report; any failed component fails it.
func (a *App) Health(_ context.Context) models.Health {
	a.mu.Lock()
	comps := make(map[string]models.ComponentHealth, len(a.health)+1)
	for k, v := range a.health {
		comps[k] = v
	}
	started, stopped := a.started, a.stopped
	a.mu.Unlock()

	if f := a.c.Feed; f != nil && started && !stopped {
		if h, ok := comps[f.Name()]; ok && h.Status == models.StatusOK && !f.Health().Connected {
			h.Status = models.StatusDegraded
			h.LastMessage = "stream disconnected"
			comps[f.Name()] = h
		}
	}
	if g := a.c.Guard; g != nil {
		sh := models.ComponentHealth{Component: "state_store", Status: models.StatusOK}
		if !g.Accepting() {
			since, err := g.Outage()
			sh.Status = models.StatusDegraded
			sh.Kind = string(apperr.KindStateStoreUnavailable)
			sh.Since = since
			if err != nil {
				sh.LastMessage = err.Error()
			}
		}
		comps["state_store"] = sh
	}

	rep := models.Health{Status: models.StatusOK, Components: comps, CheckedAt: time.Now().UTC()}
	switch {
	case !started:
		rep.Status = models.StatusStarting
	case stopped:
		rep.Status = models.StatusStopped
	default:
		for _, h := range comps {
			if h.Status == models.StatusFailed {
				rep.Status = models.StatusFailed
				break
			}
			if h.Status == models.StatusDegraded {
				rep.Status = models.StatusDegraded
			}
		}
	}
	return rep
}

func (a *App) setStatus(name string, s models.Status, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := models.ComponentHealth{Component: name, Status: s}
	if prev, ok := a.health[name]; ok && prev.Status == models.StatusFailed && s == models.StatusStopped {
		return
	}
	if err != nil {
		h.Kind = string(apperr.KindOf(err))
		h.Since = time.Now().UTC()
		h.LastMessage = err.Error()
	}
	a.health[name] = h
}

func (a *App) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// wait blocks until done is closed or ctx ends. A nil channel counts as
// done.
func wait(ctx context.Context, done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
