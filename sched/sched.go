// Package sched implements the scheduler: per-CPU ready queues, thread
// lifecycle, round-robin Reschedule, and a reaper that frees exited
// threads' resources (spec.md §4.8). It reserves thread id 1 for idle
// threads but does not create or run any idle thread.
//
// Grounded on biscuit's accnt/tinfo packages for per-thread accounting
// shape (a thread struct owning its own bookkeeping, referenced by id)
// and on package wait for blocking — Start/EnqueueThread/Reschedule are
// this repo's analogue of biscuit's thread bring-up sequence, generalised
// from biscuit's single-queue model to the per-CPU ready queues spec.md
// §4.8 calls for.
package sched

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/kstack"
)

// State is a thread's lifecycle state.
type State int

const (
	Setup State = iota
	Ready
	Running
	Blocked
	Dead
)

// Thread is one schedulable unit of execution.
type Thread struct {
	ID       uint64
	state    State
	mu       sync.Mutex
	affinity int // -1 means no affinity
	cpu      int
	stack    *kstack.Stack
	entry    func()

	next, prev *Thread // intrusive ready-queue link
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

type readyQueue struct {
	mu         sync.Mutex
	head, tail *Thread
	count      int
}

func (q *readyQueue) push(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.next, t.prev = nil, q.tail
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
	q.count++
}

// popAfter removes and returns the Ready thread immediately following
// `after` in queue order (wrapping to the head), or the head if after is
// nil, implementing round-robin selection.
func (q *readyQueue) popAfter(after *Thread) *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil
	}
	start := q.head
	if after != nil {
		for c := q.head; c != nil; c = c.next {
			if c == after && c.next != nil {
				start = c.next
				break
			}
		}
	}
	q.remove(start)
	return start
}

func (q *readyQueue) remove(t *Thread) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if q.head == t {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if q.tail == t {
		q.tail = t.prev
	}
	t.next, t.prev = nil, nil
	q.count--
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Scheduler owns every CPU's ready queue and the global thread registry.
type Scheduler struct {
	queues []readyQueue
	stacks *kstack.Cache

	mu       sync.Mutex
	nextID   uint64
	current  []*Thread // per-CPU currently-running thread
	cleanup  []*Thread // exited threads awaiting the reaper
	cleanupC chan struct{}
}

// New creates a Scheduler for n CPUs. Thread id 1 is reserved for idle
// threads (spec.md §4.8), so NewThread hands out ids from 2. New creates no
// idle thread itself; Reschedule returns nil for a CPU whose queue is empty.
func New(n int, stacks *kstack.Cache) *Scheduler {
	s := &Scheduler{
		queues:   make([]readyQueue, n),
		stacks:   stacks,
		nextID:   2, // id 1 reserved for idle threads
		current:  make([]*Thread, n),
		cleanupC: make(chan struct{}, 1),
	}
	return s
}

// NewThread allocates a thread struct and a guarded kernel stack, primes
// it with entry, and leaves it in Setup state (spec.md §4.8 "Thread
// creation").
func (s *Scheduler) NewThread(entry func(), affinity int) (*Thread, error) {
	st, err := s.stacks.Alloc()
	if err != defs.MmuOk {
		return nil, schedError("sched: stack allocation failed")
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	t := &Thread{ID: id, state: Setup, affinity: affinity, cpu: -1, stack: st, entry: entry}
	return t, nil
}

type schedError string

func (e schedError) Error() string { return string(e) }

// Start transitions t to Ready and enqueues it (spec.md §4.8).
func (s *Scheduler) Start(t *Thread) {
	t.setState(Ready)
	s.EnqueueThread(t)
}

// EnqueueThread picks a CPU (the thread's affinity if set, else the CPU
// with the smallest ready-queue length) and pushes t onto its ready
// queue.
func (s *Scheduler) EnqueueThread(t *Thread) {
	cpu := t.affinity
	if cpu < 0 {
		cpu = s.leastLoadedCPU()
	}
	t.cpu = cpu
	s.queues[cpu].push(t)
}

func (s *Scheduler) leastLoadedCPU() int {
	best := 0
	bestLen := s.queues[0].len()
	for i := 1; i < len(s.queues); i++ {
		if l := s.queues[i].len(); l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// Reschedule picks the next Runnable thread on cpu after the one
// currently running there, in round-robin order, or nil if the queue is
// empty (callers fall back to the idle thread).
func (s *Scheduler) Reschedule(cpu int) *Thread {
	s.mu.Lock()
	prev := s.current[cpu]
	s.mu.Unlock()

	next := s.queues[cpu].popAfter(prev)
	if next == nil {
		return nil
	}
	next.setState(Running)
	s.mu.Lock()
	s.current[cpu] = next
	s.mu.Unlock()
	if prev != nil && prev.State() == Running {
		prev.setState(Ready)
		s.queues[cpu].push(prev)
	}
	return next
}

// Current returns the thread currently running on cpu.
func (s *Scheduler) Current(cpu int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpu]
}

// Exit dequeues t (it must already be off every ready queue — callers
// call Exit from the thread's own context after it stops running),
// marks it Dead, and pushes it to the cleanup list for the reaper.
func (s *Scheduler) Exit(t *Thread) {
	t.setState(Dead)
	s.mu.Lock()
	s.current[t.cpu] = nil
	s.cleanup = append(s.cleanup, t)
	s.mu.Unlock()
	select {
	case s.cleanupC <- struct{}{}:
	default:
	}
}

// ReapOne services one pending exited thread, freeing its stack. Returns
// false if the cleanup list was empty.
func (s *Scheduler) ReapOne() bool {
	s.mu.Lock()
	if len(s.cleanup) == 0 {
		s.mu.Unlock()
		return false
	}
	t := s.cleanup[0]
	s.cleanup = s.cleanup[1:]
	s.mu.Unlock()

	s.stacks.Free(t.stack)
	return true
}

// ReaperLoop runs ReapOne until stop is closed, blocking between batches
// until Exit signals more work — the "reaper" thread of spec.md §4.8.
func (s *Scheduler) ReaperLoop(stop <-chan struct{}) {
	for {
		for s.ReapOne() {
		}
		select {
		case <-stop:
			return
		case <-s.cleanupC:
		}
	}
}
