package reliability

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

// Task is one unit of queued work.
type Task struct {
	Name          string
	TenantID      string
	CorrelationID string
	Run           func(ctx context.Context) error
}

// QueueFull is the QUEUE_FULL payload.
type QueueFull struct {
	Queue    string               `json:"queue"`
	Policy   contracts.DropPolicy `json:"policy"`
	Capacity int                  `json:"capacity"`
	Task     string               `json:"task"`
	Dropped  string               `json:"dropped,omitempty"`
	Rejected bool                 `json:"rejected"`
}

// Dispatcher runs queued tasks with bounded concurrency.
type Dispatcher struct {
	name        string
	queue       *BoundedQueue[Task]
	concurrency int
	sink        audit.Sink
	logger      *slog.Logger
	telemetry   *observability.Provider
}

// NewDispatcher creates a dispatcher. concurrency must be at least 1.
func NewDispatcher(name string, queue *BoundedQueue[Task], concurrency int, sink audit.Sink) (*Dispatcher, error) {
	if concurrency < 1 {
		return nil, &contracts.ConfigurationError{Field: "dispatcher.concurrency", Err: errors.New("must be at least 1")}
	}
	return &Dispatcher{
		name:        name,
		queue:       queue,
		concurrency: concurrency,
		sink:        sink,
		logger:      slog.Default().With("component", "dispatcher", "queue", name),
	}, nil
}

// WithLogger overrides the logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger.With("component", "dispatcher", "queue", d.name)
	return d
}

// WithTelemetry records rejections to p.
func (d *Dispatcher) WithTelemetry(p *observability.Provider) *Dispatcher {
	d.telemetry = p
	return d
}

// Submit enqueues t. Every full-queue outcome is audited as QUEUE_FULL; a
// rejected task returns an error wrapping contracts.ErrQueueFull.
func (d *Dispatcher) Submit(ctx context.Context, t Task) error {
	dropped, didDrop, err := d.queue.Offer(t)
	if err == nil && !didDrop {
		return nil
	}

	p := QueueFull{
		Queue:    d.name,
		Policy:   d.queue.Policy(),
		Capacity: d.queue.Capacity(),
		Task:     t.Name,
		Rejected: err != nil,
	}
	tenantID, corr := t.TenantID, t.CorrelationID
	if didDrop {
		p.Dropped = dropped.Name
		tenantID, corr = dropped.TenantID, dropped.CorrelationID
	}
	if corr == "" {
		corr = "queue:" + d.name
	}

	d.telemetry.RecordRejection(ctx, d.name, "queue_full")
	d.logger.WarnContext(ctx, "queue full", "task", t.Name, "dropped", p.Dropped, "rejected", p.Rejected)
	if _, aerr := d.sink.Emit(context.WithoutCancel(ctx), events.Params{
		Type:          events.TypeQueueFull,
		TenantID:      tenantID,
		CorrelationID: corr,
		Payload:       p,
	}); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

// Run drains the queue until ctx is done, then waits for running tasks.
// Unstarted tasks stay queued. Task errors are logged and do not stop the
// dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for {
		if ctx.Err() != nil {
			return g.Wait()
		}
		t, ok := d.queue.Poll()
		if !ok {
			select {
			case <-ctx.Done():
			case <-d.queue.Ready():
			}
			continue
		}
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				d.logger.WarnContext(ctx, "task failed", "task", t.Name, "correlation_id", t.CorrelationID, "error", err)
			}
			return nil
		})
	}
}
