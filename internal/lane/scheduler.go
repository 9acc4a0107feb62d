// SPDX-License-Identifier: MIT

package lane

import (
	"context"
	"sync"
	"time"

	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/metrics"
)

// Limits bound the scheduler. Values come from the Runtime at daemon start;
// tests override freely.
type Limits struct {
	MaxActive     int
	MaxQueueDepth int
	QueueWait     time.Duration
}

// Task is one unit of admitted work. Exactly one of Run or Fail is invoked,
// once, on a scheduler-owned goroutine.
type Task struct {
	ID      string
	LaneKey string
	Family  string
	Argv    []string

	// Ctx is the cancellation token plumbed from request arrival. A task
	// cancelled while queued is discarded at dispatch without consuming an
	// active slot.
	Ctx context.Context

	// Run executes the task once admitted.
	Run func(ctx context.Context)

	// Fail receives the typed error when the task never runs (queue-wait
	// expiry or cancellation).
	Fail func(err error)

	enqueuedAt time.Time
	timer      *time.Timer
	settled    bool // guarded by the scheduler mutex
}

// lane is the per-key state: a strictly serialized FIFO.
type lane struct {
	key        string
	queue      []*Task
	active     bool
	inRunnable bool
}

// Scheduler serializes mutating work per lane while unrelated lanes run in
// parallel, bounded by MaxActive. The runnable ring is maintained
// incrementally on submit/complete; dispatch never scans the lane map.
type Scheduler struct {
	limits Limits

	mu          sync.Mutex
	lanes       map[string]*lane
	runnable    ringQueue
	activeTotal int
	draining    bool
	idle        chan struct{} // closed observers; recreated on activity
}

// NewScheduler builds a scheduler with the given limits.
func NewScheduler(limits Limits) *Scheduler {
	if limits.MaxActive < 1 {
		limits.MaxActive = 1
	}
	if limits.MaxQueueDepth < 1 {
		limits.MaxQueueDepth = 1
	}
	return &Scheduler{
		limits: limits,
		lanes:  make(map[string]*lane),
	}
}

// Submit enqueues a task, failing fast with E_DAEMON_QUEUE_SATURATED when the
// lane queue is full. The queue-wait timer starts immediately; on expiry the
// task is dequeued and failed with E_DAEMON_QUEUE_TIMEOUT.
func (s *Scheduler) Submit(task *Task) error {
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return errcode.New(errcode.DaemonRunFailed, "scheduler is shutting down")
	}

	ln := s.lanes[task.LaneKey]
	if ln == nil {
		ln = &lane{key: task.LaneKey}
		s.lanes[task.LaneKey] = ln
	}
	if len(ln.queue) >= s.limits.MaxQueueDepth {
		s.mu.Unlock()
		metrics.LaneSaturated.Inc()
		return errcode.New(errcode.DaemonQueueSaturated,
			"lane %s queue is full (%d queued)", task.LaneKey, s.limits.MaxQueueDepth).
			WithContext("laneKey", task.LaneKey)
	}

	task.enqueuedAt = time.Now()
	ln.queue = append(ln.queue, task)
	if !ln.active && !ln.inRunnable {
		ln.inRunnable = true
		s.runnable.push(ln.key)
	}
	if s.limits.QueueWait > 0 {
		task.timer = time.AfterFunc(s.limits.QueueWait, func() { s.expire(task) })
	}
	metrics.LaneSubmitted.WithLabelValues(task.Family).Inc()

	s.dispatchLocked()
	s.mu.Unlock()
	return nil
}

// dispatchLocked admits work while capacity remains. Caller holds s.mu.
func (s *Scheduler) dispatchLocked() {
	for s.activeTotal < s.limits.MaxActive && s.runnable.len() > 0 {
		key := s.runnable.pop()
		ln := s.lanes[key]
		if ln == nil {
			continue
		}
		ln.inRunnable = false
		if ln.active {
			continue
		}

		task := s.popRunnableTaskLocked(ln)
		if task == nil {
			s.maybeReapLocked(ln)
			continue
		}

		ln.active = true
		s.activeTotal++
		metrics.LaneActive.Set(float64(s.activeTotal))
		go s.runTask(ln, task)
	}
}

// popRunnableTaskLocked pops the lane head, discarding tasks that were
// cancelled while queued. Discards never consume an active slot.
func (s *Scheduler) popRunnableTaskLocked(ln *lane) *Task {
	for len(ln.queue) > 0 {
		task := ln.queue[0]
		ln.queue = ln.queue[1:]
		if task.settled {
			continue
		}
		if task.Ctx.Err() != nil {
			s.settleLocked(task)
			go task.Fail(errcode.Wrap(errcode.DaemonRunFailed, task.Ctx.Err(), "task cancelled while queued"))
			continue
		}
		s.settleLocked(task)
		return task
	}
	return nil
}

func (s *Scheduler) runTask(ln *lane, task *Task) {
	ctx := log.ContextWithLaneKey(task.Ctx, task.LaneKey)
	started := time.Now()
	task.Run(ctx)
	lg := log.FromContext(ctx)
	lg.Debug().
		Str("event", "lane.complete").
		Str("family", task.Family).
		Dur("queue_wait", started.Sub(task.enqueuedAt)).
		Dur("run", time.Since(started)).
		Msg("task complete")
	s.complete(ln)
}

// complete frees the lane's slot and re-queues the lane when work remains.
func (s *Scheduler) complete(ln *lane) {
	s.mu.Lock()
	ln.active = false
	s.activeTotal--
	metrics.LaneActive.Set(float64(s.activeTotal))
	if len(ln.queue) > 0 {
		if !ln.inRunnable {
			ln.inRunnable = true
			s.runnable.push(ln.key)
		}
	} else {
		s.maybeReapLocked(ln)
	}
	s.dispatchLocked()
	s.notifyIdleLocked()
	s.mu.Unlock()
}

// expire fails a task still queued past the queue-wait deadline.
func (s *Scheduler) expire(task *Task) {
	s.mu.Lock()
	if task.settled {
		s.mu.Unlock()
		return
	}
	ln := s.lanes[task.LaneKey]
	if ln != nil {
		for i, queued := range ln.queue {
			if queued == task {
				ln.queue = append(ln.queue[:i], ln.queue[i+1:]...)
				break
			}
		}
		s.maybeReapLocked(ln)
	}
	task.settled = true
	s.mu.Unlock()

	metrics.LaneTimeout.Inc()
	task.Fail(errcode.New(errcode.DaemonQueueTimeout,
		"task waited longer than %s for lane %s", s.limits.QueueWait, task.LaneKey).
		WithContext("laneKey", task.LaneKey))
}

// settleLocked marks a task as claimed and stops its queue-wait timer.
func (s *Scheduler) settleLocked(task *Task) {
	task.settled = true
	if task.timer != nil {
		task.timer.Stop()
	}
}

// maybeReapLocked drops a fully idle lane so the map stays bounded by live
// keys.
func (s *Scheduler) maybeReapLocked(ln *lane) {
	if !ln.active && !ln.inRunnable && len(ln.queue) == 0 {
		delete(s.lanes, ln.key)
	}
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	ActiveTotal int
	QueuedTotal int
	Lanes       int
}

// Snapshot returns current scheduler occupancy.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, ln := range s.lanes {
		queued += len(ln.queue)
	}
	return Stats{ActiveTotal: s.activeTotal, QueuedTotal: queued, Lanes: len(s.lanes)}
}

// Drain stops admission and waits until in-flight work completes or ctx
// expires. Queued tasks keep their queue-wait deadlines.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	if s.activeTotal == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) notifyIdleLocked() {
	if s.idle != nil && s.activeTotal == 0 {
		close(s.idle)
		s.idle = nil
	}
}

// ringQueue is a growable FIFO of lane keys.
type ringQueue struct {
	buf  []string
	head int
	size int
}

func (q *ringQueue) len() int { return q.size }

func (q *ringQueue) push(key string) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = key
	q.size++
}

func (q *ringQueue) pop() string {
	key := q.buf[q.head]
	q.buf[q.head] = ""
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return key
}

func (q *ringQueue) grow() {
	next := make([]string, maxInt(len(q.buf)*2, 8))
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
