package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

var (
	ErrQueueFull   = errors.New("participant queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Job is one unit of work run on a participant lane.
type Job func(ctx context.Context)

type task struct {
	id   string
	name string
	run  Job
}

// Queue runs jobs one at a time per key, in submission order. Different keys
// run concurrently. A lane goroutine exists only while its key has work.
type Queue struct {
	depth   int
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[chat.Key]*lane
	closed bool
}

type lane struct {
	pending []task
}

// NewQueue creates a queue holding at most depth pending jobs per key. Each
// job runs under a context bounded by timeout.
func NewQueue(depth int, timeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Queue {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		depth:   depth,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[chat.Key]*lane),
	}
}

// Submit schedules job on key's lane and returns its task id.
func (q *Queue) Submit(key chat.Key, name string, job Job) (string, error) {
	t := task{id: uuid.NewString(), name: name, run: job}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	l, busy := q.lanes[key]
	if !busy {
		l = &lane{}
		q.lanes[key] = l
	}
	if len(l.pending) >= q.depth {
		q.metrics.Dropped()
		q.logger.Warn("participant queue full, dropping job",
			zap.String("scope", key.Scope),
			zap.String("participant", key.Participant),
			zap.String("job", name),
		)
		return "", fmt.Errorf("%s: %w", key, ErrQueueFull)
	}
	l.pending = append(l.pending, t)

	if !busy {
		q.wg.Add(1)
		go q.drain(key, l)
	}
	return t.id, nil
}

func (q *Queue) drain(key chat.Key, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		t := l.pending[0]
		l.pending[0] = task{}
		l.pending = l.pending[1:]
		q.mu.Unlock()

		q.run(key, t)
	}
}

func (q *Queue) run(key chat.Key, t task) {
	log := q.logger.With(
		zap.String("task", t.id),
		zap.String("job", t.name),
		zap.String("scope", key.Scope),
		zap.String("participant", key.Participant),
	)

	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := time.Now()
	t.run(ctx)
	log.Debug("job finished", zap.Duration("took", time.Since(start)))
}

// Busy returns the number of lanes with running or pending work.
func (q *Queue) Busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting jobs and waits up to timeout for running lanes. Jobs
// still running after the deadline have their context cancelled.
func (q *Queue) Close(timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-time.After(timeout):
		q.cancel()
		<-done
		return fmt.Errorf("queue close: %w", context.DeadlineExceeded)
	}
}
