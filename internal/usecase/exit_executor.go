package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/internal/services/exit"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/shopspring/decimal"
)

type ExitConfig struct {
	LevelsKey    string
	RetryBase    time.Duration
	Retries      int
	Budget       time.Duration
	CallTimeout  time.Duration
	DecisionTTL  time.Duration
	SizeStep     decimal.Decimal
	PollInterval time.Duration
}

// ExitExecutor evaluates the exit strategy for the open position and
// carries out actionable decisions exactly once per (position, trigger).
type ExitExecutor struct {
	cfg       ExitConfig
	strategy  *exit.Strategy
	adapter   service.ExchangeAdapter
	store     store.Store
	publisher domrepo.EventPublisher
	archive   domrepo.Archive
	gate      Gate
	metrics   domrepo.Metrics
	logger    *logger.Logger
	onFatal   func(error)
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool

	locks sync.Map // position id -> *sync.Mutex
}

func NewExitExecutor(
	cfg ExitConfig,
	strategy *exit.Strategy,
	adapter service.ExchangeAdapter,
	st store.Store,
	metrics domrepo.Metrics,
	lgr *logger.Logger,
) *ExitExecutor {
	if cfg.LevelsKey == "" {
		cfg.LevelsKey = models.KeyFibonacciLevels
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 20 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = 24 * time.Hour
	}
	if !cfg.SizeStep.IsPositive() {
		cfg.SizeStep = decimal.New(1, -3)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &ExitExecutor{
		cfg:      cfg,
		strategy: strategy,
		adapter:  adapter,
		store:    st,
		metrics:  metrics,
		logger:   lgr.Component("exit_executor"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func (x *ExitExecutor) SetPublisher(p domrepo.EventPublisher) { x.publisher = p }

func (x *ExitExecutor) SetArchive(a domrepo.Archive) { x.archive = a }

func (x *ExitExecutor) SetGate(g Gate) { x.gate = g }

// SetFatalHandler receives errors that must stop the process, such as
// authentication failures.
func (x *ExitExecutor) SetFatalHandler(fn func(error)) { x.onFatal = fn }

func (x *ExitExecutor) Name() string { return "exit_executor" }

// HandleTrap implements TrapHandler. Store errors are returned so the
// event is redelivered; adapter failures are surfaced to telemetry and
// swallowed.
func (x *ExitExecutor) HandleTrap(ctx context.Context, e models.TrapEvent) error {
	_, err := x.Evaluate(ctx, &e)
	return err
}

// Run evaluates the open position every poll interval so take-profit,
// stop-loss and trailing updates happen without a trap trigger.
func (x *ExitExecutor) Run(ctx context.Context) error {
	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if x.gate != nil && !x.gate.Accepting() {
				continue
			}
			if _, err := x.Evaluate(ctx, nil); err != nil && ctx.Err() == nil {
				x.logger.Warn("periodic exit evaluation failed", logger.Error(err))
			}
		}
	}
}

// Evaluate loads the position context, decides under the position lock and
// executes the decision. The returned decision is the one in effect, which
// for a replayed key is the originally executed one.
func (x *ExitExecutor) Evaluate(ctx context.Context, latest *models.TrapEvent) (models.Decision, error) {
	pos, err := LoadPosition(ctx, x.store)
	if err != nil {
		return models.Decision{}, err
	}
	if !pos.HasPosition {
		return models.Decision{Kind: models.DecisionHold}, nil
	}
	price, err := LastPrice(ctx, x.store)
	switch {
	case err == nil:
		pos.MarkToMarket(price)
	case !errors.Is(err, store.ErrNotFound):
		return models.Decision{}, err
	}

	unlock := x.lock(pos.ID)
	defer unlock()

	var fib *models.FibonacciLevels
	lv, ok, err := LoadLevels(ctx, x.store, x.cfg.LevelsKey)
	if err != nil {
		return models.Decision{}, err
	}
	if ok {
		fib = &lv
	}
	trailing, err := LoadTrailing(ctx, x.store, pos.ID)
	if err != nil {
		return models.Decision{}, err
	}

	d := x.strategy.Evaluate(pos, latest, fib, trailing)
	return x.executeLocked(ctx, d, pos)
}

// Execute runs a decision for pos under the position lock.
func (x *ExitExecutor) Execute(ctx context.Context, d models.Decision, pos models.Position) (models.Decision, error) {
	unlock := x.lock(pos.ID)
	defer unlock()
	return x.executeLocked(ctx, d, pos)
}

func (x *ExitExecutor) lock(positionID string) func() {
	v, _ := x.locks.LoadOrStore(positionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (x *ExitExecutor) executeLocked(ctx context.Context, d models.Decision, pos models.Position) (models.Decision, error) {
	if !d.Actionable() {
		return d, nil
	}

	var prev models.Decision
	err := store.GetJSON(ctx, x.store, models.KeyExitDecision(d), &prev)
	switch {
	case err == nil:
		x.metrics.RecordDecision(string(prev.Kind), "replayed")
		return prev, nil
	case !errors.Is(err, store.ErrNotFound):
		return d, err
	}

	d.CreatedAt = x.now().UTC()
	attempts, err := x.applyWithRetry(ctx, d, pos)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return d, ctx.Err()
		}
		x.recordFailure(ctx, d, attempts, err)
		if apperr.Fatal(err) && x.onFatal != nil {
			x.onFatal(err)
		}
		return d, nil
	}

	if err := store.PutJSON(ctx, x.store, models.KeyExitDecision(d), d, x.cfg.DecisionTTL); err != nil {
		x.logger.Error("idempotence record not written", logger.String("key", d.Key()), logger.Error(err))
	}
	if d.Kind == models.DecisionUpdateStop {
		if err := x.store.Put(ctx, models.KeyTrailingStop(pos.ID), d.StopPrice.String(), 0); err != nil {
			x.logger.Warn("trailing mark not written", logger.Error(err))
		}
	}
	x.metrics.RecordDecision(string(d.Kind), "executed")
	x.logger.Info("exit decision executed",
		logger.String("position_id", pos.ID),
		logger.String("decision", d.String()),
		logger.String("trigger", d.TriggerID),
		logger.Int("attempts", attempts))
	x.fanOut(ctx, d)
	return d, nil
}

// applyWithRetry makes one attempt plus up to Retries retries spaced
// RetryBase, 2*RetryBase, 4*RetryBase..., all inside Budget.
func (x *ExitExecutor) applyWithRetry(ctx context.Context, d models.Decision, pos models.Position) (int, error) {
	bctx, cancel := context.WithTimeout(ctx, x.cfg.Budget)
	defer cancel()

	delay := x.cfg.RetryBase
	var err error
	attempt := 0
	for attempt < x.cfg.Retries+1 {
		attempt++
		err = x.apply(bctx, d, pos)
		if err == nil {
			return attempt, nil
		}
		if apperr.Fatal(err) || bctx.Err() != nil || attempt == x.cfg.Retries+1 {
			break
		}
		wait := delay
		if ra := apperr.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		x.logger.Warn("exit decision attempt failed",
			logger.String("decision", d.String()),
			logger.Int("attempt", attempt),
			logger.Duration("retry_in_ms", wait),
			logger.Error(err))
		if !x.sleep(bctx, wait) {
			break
		}
		delay *= 2
	}
	if err == nil {
		err = bctx.Err()
	}
	if bctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("order budget %s exceeded: %w", x.cfg.Budget, err)
	}
	return attempt, err
}

func (x *ExitExecutor) apply(ctx context.Context, d models.Decision, pos models.Position) error {
	cctx, cancel := context.WithTimeout(ctx, x.cfg.CallTimeout)
	defer cancel()

	switch d.Kind {
	case models.DecisionFullExit:
		_, err := x.adapter.ClosePosition(cctx, pos.Symbol, pos.Size, pos.Side, d.ClientOrderID())
		return err
	case models.DecisionPartialExit:
		if d.Fraction >= 1 {
			_, err := x.adapter.ClosePosition(cctx, pos.Symbol, pos.Size, pos.Side, d.ClientOrderID())
			return err
		}
		_, err := x.adapter.PlaceMarketOrder(cctx, pos.Symbol, pos.Side.ClosingOrderSide(), x.partialSize(pos.Size, d.Fraction), true, d.ClientOrderID())
		return err
	case models.DecisionUpdateStop:
		_, err := x.adapter.SetStopLoss(cctx, pos.ID, d.StopPrice)
		return err
	}
	return nil
}

// partialSize floors size*fraction to the size step, never below one step
// and never above the position.
func (x *ExitExecutor) partialSize(size decimal.Decimal, fraction float64) decimal.Decimal {
	step := x.cfg.SizeStep
	out := size.Mul(decimal.NewFromFloat(fraction)).Div(step).Floor().Mul(step)
	if out.LessThan(step) {
		out = step
	}
	return decimal.Min(out, size)
}

func (x *ExitExecutor) recordFailure(ctx context.Context, d models.Decision, attempts int, cause error) {
	x.metrics.RecordDecision(string(d.Kind), "failed")
	x.metrics.RecordError(string(apperr.KindOf(cause)))
	x.logger.Error("exit decision abandoned",
		logger.String("position_id", d.PositionID),
		logger.String("decision", d.String()),
		logger.Int("attempts", attempts),
		logger.Error(cause))

	rec := models.FailedDecision{Decision: d, Attempts: attempts, Error: cause.Error(), FailedAt: x.now().UTC()}
	if err := store.AppendJSON(ctx, x.store, models.KeyExitFailedDecisions, rec, models.ExitFailedDecisionsMaxLen); err != nil {
		x.logger.Error("failed decision not recorded", logger.Error(err))
	}
}

func (x *ExitExecutor) fanOut(ctx context.Context, d models.Decision) {
	if x.publisher != nil {
		if err := x.publisher.PublishDecision(ctx, d); err != nil {
			x.metrics.RecordError("publish_decision")
		}
	}
	if x.archive != nil {
		if err := x.archive.StoreDecision(ctx, d); err != nil {
			x.metrics.RecordError("archive_decision")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ TrapHandler = (*ExitExecutor)(nil)
