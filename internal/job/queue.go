package job

import (
	"container/list"
	"context"
	"sync"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/media"
)

// task is the in-flight state of a job owned by the orchestrator.
type task struct {
	job     *Job
	inputs  []*asset.Asset
	request media.Request
	plan    media.Plan

	ctx    context.Context
	cancel context.CancelFunc
	// done is closed once the job reaches a terminal state.
	done chan struct{}

	ready bool
	elem  *list.Element
}

func newTask(j *Job) *task {
	return &task{job: j, done: make(chan struct{})}
}

// dispatcher starts queued tasks in submission order, keeping at most
// ceiling of them running. A task is only started once it is marked ready.
type dispatcher struct {
	mu      sync.Mutex
	ceiling int
	running int
	queue   *list.List
	start   func(*task)
	stopped bool
}

func newDispatcher(ceiling int, start func(*task)) *dispatcher {
	if ceiling < 1 {
		ceiling = 1
	}
	return &dispatcher{ceiling: ceiling, queue: list.New(), start: start}
}

// enqueue appends t to the queue. It will not start before markReady.
func (d *dispatcher) enqueue(t *task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.elem = d.queue.PushBack(t)
}

// markReady allows t to start. It returns false if t is no longer queued.
func (d *dispatcher) markReady(t *task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.elem == nil {
		return false
	}
	t.ready = true
	d.pump()
	return true
}

// remove takes t out of the queue. It returns false if t was not queued,
// either because it already started or because it was never enqueued.
func (d *dispatcher) remove(t *task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.elem == nil {
		return false
	}
	d.queue.Remove(t.elem)
	t.elem = nil
	return true
}

// done releases the slot of a finished task.
func (d *dispatcher) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running--
	d.pump()
}

// stop prevents further tasks from starting and returns those still queued.
func (d *dispatcher) stop() []*task {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	var queued []*task
	for e := d.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*task)
		t.elem = nil
		queued = append(queued, t)
	}
	d.queue.Init()
	return queued
}

// stats returns the number of running and queued tasks.
func (d *dispatcher) stats() (running, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running, d.queue.Len()
}

// pump must be called with d.mu held.
func (d *dispatcher) pump() {
	if d.stopped {
		return
	}
	for e := d.queue.Front(); e != nil && d.running < d.ceiling; {
		next := e.Next()
		t := e.Value.(*task)
		if t.ready {
			d.queue.Remove(e)
			t.elem = nil
			d.running++
			d.start(t)
		}
		e = next
	}
}
