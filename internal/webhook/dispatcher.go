package webhook

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/opsgate/internal/fixer"
	"github.com/t77yq/opsgate/internal/model"
)

const (
	// MaxBodySize is the largest delivery accepted
	MaxBodySize = 10 << 20

	// DefaultFixerTimeout bounds a single fixer stage
	DefaultFixerTimeout = 30 * time.Second

	recentResults = 256
)

// ResultPublisher announces dispatch results to other processes
type ResultPublisher interface {
	PublishDispatch(ctx context.Context, result *model.DispatchResult) error
}

// Config contains configuration for the dispatcher
type Config struct {
	Secret       string
	ReplayWindow time.Duration
	FixerTimeout time.Duration
}

// DispatcherStats is a point-in-time view for health reporting
type DispatcherStats struct {
	Fixers     int   `json:"fixers"`
	Dispatched int64 `json:"dispatched"`
	Rejected   int64 `json:"rejected"`
	InFlight   int   `json:"in_flight"`
}

// Dispatcher verifies webhook deliveries and fans them out to the fixers
// subscribed to their event type. It is the fault barrier for fixers: an
// error, panic or timeout in one stage becomes an error result for that
// stage and never affects the others.
type Dispatcher struct {
	logger       *zap.Logger
	secret       string
	fixers       []fixer.Fixer
	deliveries   *DeliveryCache
	publisher    ResultPublisher
	fixerTimeout time.Duration

	mu         sync.Mutex
	results    map[string]*model.DispatchResult
	order      []string
	dispatched int64
	rejected   int64
	inFlight   int

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(cfg Config, fixers []fixer.Fixer, publisher ResultPublisher, logger *zap.Logger) *Dispatcher {
	if cfg.FixerTimeout <= 0 {
		cfg.FixerTimeout = DefaultFixerTimeout
	}
	return &Dispatcher{
		logger:       logger.Named("webhook-dispatcher"),
		secret:       cfg.Secret,
		fixers:       fixers,
		deliveries:   NewDeliveryCache(cfg.ReplayWindow),
		publisher:    publisher,
		fixerTimeout: cfg.FixerTimeout,
		results:      make(map[string]*model.DispatchResult),
	}
}

// Deliveries exposes the replay cache so the owner can sweep it
func (d *Dispatcher) Deliveries() *DeliveryCache {
	return d.deliveries
}

// Prepare runs every synchronous check on a delivery: size, signature,
// replay and parsing, in that order. Nothing is parsed before the
// signature is verified.
func (d *Dispatcher) Prepare(h http.Header, body []byte) (*model.WebhookEvent, error) {
	if len(body) > MaxBodySize {
		d.reject()
		return nil, errors.Wrapf(ErrValidation, "body of %d bytes exceeds limit of %d", len(body), MaxBodySize)
	}

	if err := VerifySignature(h, body, d.secret); err != nil {
		d.reject()
		d.logger.Warn("Rejected webhook delivery",
			zap.Bool("security_event", true),
			zap.String("delivery_id", h.Get(HeaderDelivery)),
			zap.String("event", h.Get(HeaderEvent)),
			zap.Error(err))
		return nil, err
	}

	if id := h.Get(HeaderDelivery); id != "" && !d.deliveries.CheckAndStore(id) {
		d.reject()
		d.logger.Warn("Replayed webhook delivery",
			zap.Bool("security_event", true),
			zap.String("delivery_id", id))
		return nil, errors.Wrapf(ErrReplay, "delivery %s", id)
	}

	event, err := Parse(h, body)
	if err != nil {
		d.reject()
		return nil, err
	}
	return event, nil
}

// Handle verifies, classifies and dispatches a delivery synchronously
func (d *Dispatcher) Handle(ctx context.Context, h http.Header, body []byte) (*model.DispatchResult, error) {
	event, err := d.Prepare(h, body)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, event), nil
}

// DispatchAsync starts the fan-out for an already prepared event in the
// background and returns its dispatch id. The result is available from
// Result once finished.
func (d *Dispatcher) DispatchAsync(event *model.WebhookEvent) string {
	id := uuid.New().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(context.Background(), id, event)
	}()
	return id
}

// Dispatch fans event out to the subscribed fixers and waits for all of them
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.WebhookEvent) *model.DispatchResult {
	return d.dispatch(ctx, uuid.New().String(), event)
}

func (d *Dispatcher) dispatch(ctx context.Context, id string, event *model.WebhookEvent) *model.DispatchResult {
	d.mu.Lock()
	d.inFlight++
	d.mu.Unlock()

	subscribed := d.subscribed(event.Type)
	results := make([]model.FixResult, len(subscribed))

	var g errgroup.Group
	for i, f := range subscribed {
		i, f := i, f
		g.Go(func() error {
			results[i] = d.runFixer(ctx, f, event)
			return nil
		})
	}
	_ = g.Wait()

	result := &model.DispatchResult{
		ID:          id,
		DeliveryID:  event.DeliveryID,
		EventType:   event.Type,
		Repository:  event.Repository,
		Status:      aggregate(results),
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}

	d.store(result)
	d.logger.Info("Dispatched webhook event",
		zap.String("dispatch_id", id),
		zap.String("delivery_id", event.DeliveryID),
		zap.String("event_type", string(event.Type)),
		zap.String("repository", event.Repository),
		zap.String("status", string(result.Status)),
		zap.Int("fixers", len(results)))

	if d.publisher != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.publisher.PublishDispatch(pctx, result); err != nil {
			d.logger.Warn("Failed to publish dispatch result",
				zap.String("dispatch_id", id),
				zap.Error(err))
		}
		cancel()
	}
	return result
}

// subscribed returns the fixers registered for t. Unknown events have none.
func (d *Dispatcher) subscribed(t model.EventType) []fixer.Fixer {
	if t == model.EventUnknown {
		return nil
	}
	var out []fixer.Fixer
	for _, f := range d.fixers {
		for _, et := range f.Events() {
			if et == t {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// runFixer runs one stage under its own timeout
func (d *Dispatcher) runFixer(ctx context.Context, f fixer.Fixer, event *model.WebhookEvent) model.FixResult {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, d.fixerTimeout)
	defer cancel()

	type outcome struct {
		res model.FixResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: errors.Newf("fixer panicked: %v", p)}
			}
		}()
		res, err := f.Fix(fctx, event)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-fctx.Done():
		o.err = errors.Wrapf(fctx.Err(), "fixer exceeded timeout of %s", d.fixerTimeout)
	}

	if o.err != nil {
		d.logger.Error("Fixer failed",
			zap.String("fixer", f.Name()),
			zap.String("delivery_id", event.DeliveryID),
			zap.Error(o.err))
		o.res = model.FixResult{
			Outcome: model.FixOutcomeError,
			Details: []string{o.err.Error()},
		}
	}
	o.res.Fixer = f.Name()
	o.res.Duration = time.Since(start)
	return o.res
}

// aggregate folds per-fixer outcomes into the dispatch status
func aggregate(results []model.FixResult) model.DispatchStatus {
	if len(results) == 0 {
		return model.DispatchStatusNoop
	}
	failed := 0
	for _, r := range results {
		if r.Outcome == model.FixOutcomeError {
			failed++
		}
	}
	switch {
	case failed == len(results):
		return model.DispatchStatusError
	case failed > 0:
		return model.DispatchStatusPartial
	default:
		return model.DispatchStatusOK
	}
}

func (d *Dispatcher) store(result *model.DispatchResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inFlight--
	d.dispatched++
	d.results[result.ID] = result
	d.order = append(d.order, result.ID)
	if len(d.order) > recentResults {
		delete(d.results, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Dispatcher) reject() {
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
}

// Result returns a recent dispatch result by id
func (d *Dispatcher) Result(id string) (*model.DispatchResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[id]
	return r, ok
}

// Wait blocks until every background dispatch has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns counters for health reporting
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{
		Fixers:     len(d.fixers),
		Dispatched: d.dispatched,
		Rejected:   d.rejected,
		InFlight:   d.inFlight,
	}
}
