package convsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedResponse acknowledges an accepted callback. The provider gets this
// immediately; dispatch happens on the worker pool afterwards.
type QueuedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// CallbackStatus records the outcome of one callback's dispatch: how many
// sub-events it carried, how many were processed, and the errors of the ones
// that failed. One bad sub-event never fails its siblings.
type CallbackStatus struct {
	ID          string     `json:"id"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	Events      int        `json:"events"`
	Processed   int        `json:"processed"`
	Errors      []string   `json:"errors,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type PipelineStats struct {
	QueueDepth     int    `json:"queueDepth"`
	QueueCapacity  int    `json:"queueCapacity"`
	AcceptedTotal  uint64 `json:"acceptedTotal"`
	DroppedTotal   uint64 `json:"droppedTotal"`
	CompletedTotal uint64 `json:"completedTotal"`
	FailedEvents   uint64 `json:"failedEvents"`
}

type PipelineOptions struct {
	Service            *Service
	Logger             *slog.Logger
	QueueSize          int
	Workers            int
	EventTimeout       time.Duration
	MaxCallbackRecords int
	DisableWorkers     bool
}

type callbackTask struct {
	id string
	cb *Callback
}

// Pipeline is the asynchronous half of webhook ingress. Verification and
// parsing happen synchronously at the HTTP layer; Accept enqueues the parsed
// callback on a bounded queue and workers dispatch each sub-event with a
// per-event timeout.
type Pipeline struct {
	service *Service
	log     *slog.Logger

	queue        chan callbackTask
	eventTimeout time.Duration
	maxRecords   int

	mu      sync.RWMutex
	records map[string]*CallbackStatus
	order   []string
	stats   PipelineStats

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Service == nil {
		panic("convsync: pipeline requires a service")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	eventTimeout := opts.EventTimeout
	if eventTimeout <= 0 {
		eventTimeout = 5 * time.Second
	}
	maxRecords := opts.MaxCallbackRecords
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		service:      opts.Service,
		log:          opts.Logger,
		queue:        make(chan callbackTask, queueSize),
		eventTimeout: eventTimeout,
		maxRecords:   maxRecords,
		records:      map[string]*CallbackStatus{},
		ctx:          ctx,
		cancel:       cancel,
	}
	if !opts.DisableWorkers {
		p.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer p.wg.Done()
				p.worker()
			}()
		}
	}
	return p
}

func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Accept admits a verified, parsed callback and returns its tracking
// identifier. A full queue rejects with ErrQueueFull so the provider retries
// later instead of piling work up unboundedly.
func (p *Pipeline) Accept(cb *Callback) (QueuedResponse, error) {
	if cb == nil {
		return QueuedResponse{}, ErrInvalidInput
	}
	id := "cb_" + uuid.NewString()
	record := &CallbackStatus{
		ID:         id,
		ReceivedAt: time.Now().UTC(),
		Events:     cb.EventCount(),
	}

	// Non-blocking enqueue under the same lock hold as record
	// registration; a rejected callback never leaves a record behind.
	p.mu.Lock()
	select {
	case p.queue <- callbackTask{id: id, cb: cb}:
	default:
		p.stats.DroppedTotal++
		p.mu.Unlock()
		return QueuedResponse{}, ErrQueueFull
	}
	p.records[id] = record
	p.order = append(p.order, id)
	for len(p.order) > p.maxRecords {
		delete(p.records, p.order[0])
		p.order = p.order[1:]
	}
	p.stats.AcceptedTotal++
	p.mu.Unlock()
	return QueuedResponse{Status: "accepted", ID: id}, nil
}

// GetCallback returns the dispatch record for a tracking identifier.
func (p *Pipeline) GetCallback(id string) (CallbackStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	record, ok := p.records[id]
	if !ok {
		return CallbackStatus{}, ErrNotFound
	}
	copied := *record
	copied.Errors = append([]string(nil), record.Errors...)
	return copied, nil
}

func (p *Pipeline) Stats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := p.stats
	stats.QueueDepth = len(p.queue)
	stats.QueueCapacity = cap(p.queue)
	return stats
}

func (p *Pipeline) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.process(task)
		}
	}
}

// process dispatches every sub-event of the callback independently. An error
// in one event is recorded and the remaining events still run.
func (p *Pipeline) process(task callbackTask) {
	var processed int
	var errs []string

	runEvent := func(label string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(p.ctx, p.eventTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", label, err))
			p.log.Warn("callback event failed",
				slog.String("callback", task.id),
				slog.String("event", label),
				slog.Any("error", err))
			return
		}
		processed++
	}

	for _, entry := range task.cb.Entry {
		for _, change := range entry.Changes {
			for _, ev := range change.Value.Messages {
				ev := ev
				runEvent("message "+ev.ID, func(ctx context.Context) error {
					return p.service.HandleInboundMessage(ctx, ev)
				})
			}
			for _, ev := range change.Value.Statuses {
				ev := ev
				runEvent("status "+ev.ID, func(ctx context.Context) error {
					return p.service.HandleStatusUpdate(ctx, ev)
				})
			}
		}
	}

	now := time.Now().UTC()
	p.mu.Lock()
	if record, ok := p.records[task.id]; ok {
		record.Processed = processed
		record.Errors = errs
		record.CompletedAt = &now
	}
	p.stats.CompletedTotal++
	p.stats.FailedEvents += uint64(len(errs))
	p.mu.Unlock()
}

// drain processes queued callbacks inline until the queue is empty. Only for
// tests running with DisableWorkers.
func (p *Pipeline) drain() {
	for {
		select {
		case task := <-p.queue:
			p.process(task)
		default:
			return
		}
	}
}
