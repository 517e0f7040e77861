// Package wait implements the kernel's single polymorphic synchronisation
// primitive: Waitable (condition/timer/mutex) plus WaitMany, reproduced
// algorithm-for-algorithm from original_source/kernel/core/Wait.cpp
// (spec.md §4.9) — the hardest part of the kernel, explicitly called out
// as something to "reproduce exactly".
//
// Double-CAS state transitions use atomic.CompareAndSwap directly per
// spec.md §9's design note ("do not paper them over with higher-level
// sync objects"), the Go stand-in for the original's sl::AcqRel
// compare-exchange idiom.
//
// One deliberate simplification from the original: WaitMany blocks the
// calling goroutine on a channel receive rather than driving an explicit
// scheduler Yield/continuation loop. Go goroutines are themselves
// stackful coroutines — the language already provides what spec.md §9's
// design note asks an implementer without one to build by hand — so a
// direct channel block is the idiomatic translation, not a deviation from
// the algorithm's observable behaviour.
package wait

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeanoBurrito/northport-sub001/defs"
)

// Kind selects a Waitable's ticket and wake-policy semantics (spec.md
// §4.9's table).
type Kind int32

const (
	Condition Kind = iota
	Timer
	Mutex
)

// Stage is the double-CAS state every Waiter moves through during a wait.
type Stage int32

const (
	Preparing Stage = iota
	Blocked
	Satisfied
	Timedout
	Cancelled
	Reset
)

// ResetMaxFails bounds ResetWaitable's quiescence attempts (spec.md §4.9).
const ResetMaxFails = 16

// Waiter is the per-thread wait state shared across every WaitEntry a
// single WaitMany call creates — spec.md's "current thread's waiter"
// (singular) linked into each waitable's list via one WaitEntry apiece.
type Waiter struct {
	stage atomic.Int32
	wake  chan struct{}
}

// NewWaiter creates a Waiter ready for one WaitMany call. Waiters are not
// reused across calls.
func NewWaiter() *Waiter {
	return &Waiter{wake: make(chan struct{}, 1)}
}

func (w *Waiter) Stage() Stage { return Stage(w.stage.Load()) }

func (w *Waiter) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// WaitEntry links a Waiter into one Waitable's waiter list.
type WaitEntry struct {
	waiter   *Waiter
	waitable *Waitable
	next, prev *WaitEntry
}

// ClockEvent is the cancellable handle backing a Timer Waitable's
// clockEvent field (spec.md §3). Cancel reports whether the event was
// still pending and is now stopped — the Go stand-in for
// RemoveClockEvent's bool result.
type ClockEvent interface {
	Cancel() bool
}

// timerClockEvent adapts a time.Timer to ClockEvent.
type timerClockEvent struct {
	t *time.Timer
}

func (c *timerClockEvent) Cancel() bool { return c.t.Stop() }

// Waitable is the single polymorphic synchronisation object.
type Waitable struct {
	mu      sync.Mutex
	kind    Kind
	tickets int64
	head    *WaitEntry // intrusive doubly-linked waiter list

	// mutexHolder and clockEvent are the kind-specific quiescence state
	// ResetWaitable consults (spec.md §3's `mutexHolder?`/`clockEvent?`).
	mutexHolder *Waiter
	clockEvent  ClockEvent
}

// New creates a Waitable of the given kind and initial ticket count.
func New(kind Kind, tickets int64) *Waitable {
	return &Waitable{kind: kind, tickets: tickets}
}

func (w *Waitable) Kind() Kind       { return w.kind }
func (w *Waitable) Tickets() int64 { w.mu.Lock(); defer w.mu.Unlock(); return w.tickets }

// empty reports whether the waiter list is empty; caller holds w.mu.
func (w *Waitable) waitersEmpty() bool { return w.head == nil }

func (w *Waitable) link(e *WaitEntry) {
	e.waitable = w
	e.next = w.head
	if w.head != nil {
		w.head.prev = e
	}
	w.head = e
}

func (w *Waitable) unlink(e *WaitEntry) {
	if e.waitable == nil {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else if w.head == e {
		w.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev, e.waitable = nil, nil, nil
}

// tryAcquire attempts to consume one ticket per the waitable's kind.
// Caller holds w.mu.
func (w *Waitable) tryAcquire(waiter *Waiter) bool {
	switch w.kind {
	case Mutex:
		if w.tickets > 0 {
			w.tickets--
			w.mutexHolder = waiter
			return true
		}
		return false
	case Timer:
		if w.tickets > 0 {
			w.tickets--
			return true
		}
		return false
	case Condition:
		// "effectively infinite after a pulse": a pulse (SignalWaitable)
		// bumps tickets and every currently-linked waiter is satisfied
		// without consuming it, matching the "wake all" policy.
		return w.tickets > 0
	default:
		return false
	}
}

func stageToStatus(s Stage) defs.WaitStatus {
	switch s {
	case Satisfied:
		return defs.WaitSuccess
	case Reset:
		return defs.WaitReset
	case Cancelled:
		return defs.WaitCancelled
	case Timedout:
		return defs.WaitTimedout
	default:
		return defs.WaitIncomplete
	}
}

// WaitMany implements spec.md §4.9's algorithm. timeout == 0 polls without
// blocking; a negative timeout means wait forever.
func WaitMany(waiter *Waiter, waitables []*Waitable, timeout time.Duration) defs.WaitStatus {
	waiter.stage.Store(int32(Preparing))

	entries := make([]*WaitEntry, len(waitables))
	satisfiedAny := false
	for i, w := range waitables {
		e := &WaitEntry{waiter: waiter}
		w.mu.Lock()
		w.link(e)
		if w.tryAcquire(waiter) {
			satisfiedAny = true
		}
		w.mu.Unlock()
		entries[i] = e
	}
	if satisfiedAny {
		waiter.stage.Store(int32(Satisfied))
	}

	if satisfiedAny || timeout == 0 {
		unlinkAll(waitables, entries)
		waiter.stage.CompareAndSwap(int32(Preparing), int32(Timedout))
		return stageToStatus(Stage(waiter.stage.Load()))
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			StopWait(waiter, Timedout)
		})
	}

	if waiter.stage.CompareAndSwap(int32(Preparing), int32(Blocked)) {
		<-waiter.wake
	}
	// Either the CAS above failed — a signaller raced us to Satisfied
	// before we blocked, spec.md §4.9 step 5's documented race — or a
	// wake arrived. Either way, a terminal stage set by StopWait/Reset
	// needs no further work; otherwise re-try every entry once more, since
	// SignalWaitable's wake may have raced a second acquirer.
	if stage := Stage(waiter.stage.Load()); stage != Reset && stage != Cancelled && stage != Timedout {
		won := false
		for _, w := range waitables {
			w.mu.Lock()
			if w.tryAcquire(waiter) {
				won = true
			}
			w.mu.Unlock()
		}
		if won {
			waiter.stage.Store(int32(Satisfied))
		}
	}

	if timer != nil {
		timer.Stop()
	}
	unlinkAll(waitables, entries)
	return stageToStatus(Stage(waiter.stage.Load()))
}

func unlinkAll(waitables []*Waitable, entries []*WaitEntry) {
	for i, w := range waitables {
		w.mu.Lock()
		w.unlink(entries[i])
		w.mu.Unlock()
	}
}

// StopWait is the external API used by timeouts, cancellation, and the
// internal signal routine: double-CAS Preparing->why (no wake needed, the
// waiter hasn't blocked yet) else Blocked->why (wakes it). Any other
// current stage means the wait cannot be stopped (it already finished).
func StopWait(waiter *Waiter, why Stage) bool {
	if waiter.stage.CompareAndSwap(int32(Preparing), int32(why)) {
		return true
	}
	if waiter.stage.CompareAndSwap(int32(Blocked), int32(why)) {
		waiter.signalWake()
		return true
	}
	return false
}

// CancelWait is StopWait(waiter, Cancelled) — safe from any IPL <=
// Dispatch, from other threads or DPCs (spec.md §4.9).
func CancelWait(waiter *Waiter) bool {
	return StopWait(waiter, Cancelled)
}

// SignalWaitable performs the signal routine synchronously: take the
// waitable's lock, compute the wake count via the kind's policy, then pop
// and wake that many waiters via the double-CAS pattern. The original
// defers this through a per-CPU pending-signal queue and an IPL
// raise/lower to flush it from Passive; that queueing is an IPL/DPC
// integration detail this package doesn't own (package sched wires it),
// so the routine itself — the part with observable semantics — runs
// inline here.
func SignalWaitable(w *Waitable) {
	w.mu.Lock()
	wakeCount := setWaitableSignalled(w)
	var woken []*Waiter
	for e := w.head; e != nil && wakeCount > 0; e = e.next {
		if e.waiter.stage.CompareAndSwap(int32(Preparing), int32(Satisfied)) {
			wakeCount--
			continue
		}
		if e.waiter.stage.CompareAndSwap(int32(Blocked), int32(Satisfied)) {
			woken = append(woken, e.waiter)
			wakeCount--
		}
	}
	w.mu.Unlock()
	for _, waiter := range woken {
		waiter.signalWake()
	}
}

// setWaitableSignalled applies one signal's ticket effect and returns how
// many waiters it permits waking, per spec.md §4.9's table. Caller holds
// w.mu.
func setWaitableSignalled(w *Waitable) int {
	switch w.kind {
	case Mutex:
		w.tickets++
		return int(w.tickets)
	case Timer:
		w.tickets = 1
		return countWaiters(w)
	case Condition:
		w.tickets++
		return countWaiters(w)
	default:
		return 0
	}
}

// ArmTimer arms w, which must be of Kind Timer, with a clock event that
// calls SignalWaitable(w) after d and tracks it as w's cancellable
// clockEvent (spec.md §3). ResetWaitable must be able to cancel this event
// to reclaim w.
func ArmTimer(w *Waitable, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clockEvent = &timerClockEvent{t: time.AfterFunc(d, func() { SignalWaitable(w) })}
}

// ReleaseMutex releases a Mutex Waitable held by waiter, clearing its
// holder and signalling it so the next acquirer can proceed. Returns false
// if w isn't a Mutex currently held by waiter.
func ReleaseMutex(w *Waitable, waiter *Waiter) bool {
	w.mu.Lock()
	if w.kind != Mutex || w.mutexHolder != waiter {
		w.mu.Unlock()
		return false
	}
	w.mutexHolder = nil
	w.mu.Unlock()

	SignalWaitable(w)
	return true
}

// SetClockEventForTest installs a caller-supplied ClockEvent on a Timer
// Waitable, bypassing ArmTimer's real time.AfterFunc. Exported for tests in
// other packages that need ResetWaitable's Timer quiescence path to fail
// deterministically, without depending on a real timer race.
func SetClockEventForTest(w *Waitable, ev ClockEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clockEvent = ev
}

func countWaiters(w *Waitable) int {
	n := 0
	for e := w.head; e != nil; e = e.next {
		n++
	}
	return n
}

// canQuiesce reports whether w can be reclaimed right now, per its current
// kind: a Condition is always quiescent, a Timer needs its clockEvent
// cancelled (or none armed), a Mutex needs no current holder. Caller holds
// w.mu.
func (w *Waitable) canQuiesce() bool {
	switch w.kind {
	case Condition:
		return true
	case Timer:
		return w.clockEvent == nil || w.clockEvent.Cancel()
	case Mutex:
		return w.mutexHolder == nil
	default:
		return false
	}
}

// ResetWaitable transitions w to a new kind and ticket count, stopping
// every current waiter with Stage=Reset. Fails (returns false) if it
// cannot quiesce the object within ResetMaxFails attempts — e.g. the mutex
// is held, or a timer's clock event cannot be cancelled.
func ResetWaitable(w *Waitable, kind Kind, tickets int64) bool {
	canReset := false
	for attempt := 0; attempt < ResetMaxFails; attempt++ {
		w.mu.Lock()
		canReset = w.canQuiesce()
		if canReset {
			break
		}
		w.mu.Unlock()
	}
	if !canReset {
		return false
	}
	defer w.mu.Unlock()

	var woken []*Waiter
	for e := w.head; e != nil; e = e.next {
		if e.waiter.stage.CompareAndSwap(int32(Blocked), int32(Reset)) {
			woken = append(woken, e.waiter)
		} else {
			e.waiter.stage.CompareAndSwap(int32(Preparing), int32(Reset))
		}
	}
	w.head = nil

	switch w.kind {
	case Timer:
		w.clockEvent = nil
	case Mutex:
		w.mutexHolder = nil
	}

	w.kind = kind
	w.tickets = tickets

	for _, waiter := range woken {
		waiter.signalWake()
	}
	return true
}
