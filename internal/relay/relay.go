// Package relay polls the store's event log and hands each event to the
// configured sinks (panel, realtime hub, printer, broker).
package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultBatchSize = 100

type EventSource interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.Event, error)
}

type Sink interface {
	Name() string
	Handle(ctx context.Context, event store.Event, ticket models.Ticket) error
}

// Leader reports whether this process should run the exclusive sinks. It is
// asked once per pass, so leadership can move between processes.
type Leader interface {
	Lead(ctx context.Context) (bool, error)
}

type Config struct {
	BatchSize int
	// RunTimeout bounds one polling pass.
	RunTimeout time.Duration
}

type Relay struct {
	source     EventSource
	sinks      []Sink
	exclusive  []Sink
	leader     Leader
	batchSize  int
	runTimeout time.Duration
	logger     *zap.Logger

	offset  atomic.Int64
	running atomic.Bool
}

func New(source EventSource, cfg Config, logger *zap.Logger, sinks ...Sink) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:     source,
		sinks:      sinks,
		batchSize:  batch,
		runTimeout: timeout,
		logger:     logger,
	}
}

// WithLeader registers sinks with external side effects, such as printing and
// publishing, that must run in one process only. Every relay still consumes
// the log, so a process that takes over continues from its own offset. A nil
// leader always leads. Call it before Start.
func (r *Relay) WithLeader(leader Leader, sinks ...Sink) *Relay {
	r.leader = leader
	r.exclusive = append(r.exclusive, sinks...)
	return r
}

func (r *Relay) Offset() int64 {
	return r.offset.Load()
}

// Prime moves the offset past the events already in the log, replaying them
// only to the given sinks. Used at startup so a restarted process rebuilds
// panel state without reprinting or republishing old tickets.
func (r *Relay) Prime(ctx context.Context, sinks ...Sink) (int, error) {
	total := 0
	for {
		events, err := r.source.ListEvents(ctx, r.offset.Load(), r.batchSize)
		if err != nil {
			return total, err
		}
		for _, event := range events {
			r.deliver(ctx, event, sinks)
			r.offset.Store(event.Seq)
		}
		total += len(events)
		if len(events) < r.batchSize {
			return total, nil
		}
	}
}

// RunOnce relays one batch and returns how many events it consumed. A sink
// error is logged and does not hold back the offset.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.running.Store(false)

	ctx, span := otel.Tracer("cidade/relay").Start(ctx, "relay.run")
	defer span.End()

	events, err := r.source.ListEvents(ctx, r.offset.Load(), r.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	sinks := r.sinks
	leading := r.leading(ctx)
	if leading && len(r.exclusive) > 0 {
		sinks = append(append([]Sink{}, r.sinks...), r.exclusive...)
	}
	for _, event := range events {
		r.deliver(ctx, event, sinks)
		r.offset.Store(event.Seq)
	}
	span.SetAttributes(
		attribute.Int("relay.events", len(events)),
		attribute.Int64("relay.offset", r.offset.Load()),
		attribute.Bool("relay.leader", leading),
	)
	return len(events), nil
}

func (r *Relay) leading(ctx context.Context) bool {
	if r.leader == nil || len(r.exclusive) == 0 {
		return true
	}
	ok, err := r.leader.Lead(ctx)
	if err != nil {
		r.logger.Warn("relay leadership check failed", zap.Error(err))
		return false
	}
	return ok
}

func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
			if _, err := r.RunOnce(runCtx); err != nil {
				r.logger.Error("relay run failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Relay) deliver(ctx context.Context, event store.Event, sinks []Sink) {
	ticket, err := event.DecodeTicket()
	if err != nil {
		r.logger.Error("decode event payload", zap.Int64("seq", event.Seq), zap.Error(err))
		return
	}
	for _, sink := range sinks {
		if err := sink.Handle(ctx, event, ticket); err != nil {
			r.logger.Warn("sink failed",
				zap.String("sink", sink.Name()),
				zap.Int64("seq", event.Seq),
				zap.String("type", event.Type),
				zap.String("ticket_number", ticket.TicketNumber),
				zap.Error(err),
			)
		}
	}
}
