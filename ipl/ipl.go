// Package ipl implements the interrupt-priority-level (run-level) model:
// a strictly ordered per-CPU priority with drain-on-lower semantics
// (spec.md §4.8).
//
// Grounded on original_source's Arch.cpp IPL contract (raising is a cheap
// store; lowering through a level with pending work drains it first) and
// spec.md §4.8 directly — no example repo models a run-level system, so
// the type and Raise/Lower shape come straight from the spec.
package ipl

import "fmt"

// Level is strictly ordered low to high.
type Level int

const (
	Passive Level = iota
	Apc
	Dispatch
	Device
	High
)

func (l Level) String() string {
	switch l {
	case Passive:
		return "Passive"
	case Apc:
		return "Apc"
	case Dispatch:
		return "Dispatch"
	case Device:
		return "Device"
	case High:
		return "High"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Drainer is invoked when lowering IPL crosses out of a level that has
// drain obligations. Registered once per level by the owning subsystem
// (package dpc for Dispatch, package sched for Apc).
type Drainer interface {
	Drain()
}

// perCPU is one CPU's current IPL plus the drainers registered for its
// levels.
type perCPU struct {
	current  Level
	drainers [High + 1]Drainer
}

// Manager owns the per-CPU IPL state for every CPU in the system.
type Manager struct {
	cpus []perCPU
}

// New creates a Manager for n CPUs, all starting at Passive.
func New(n int) *Manager {
	return &Manager{cpus: make([]perCPU, n)}
}

// RegisterDrainer installs the drain hook invoked whenever any CPU lowers
// out of level.
func (m *Manager) RegisterDrainer(level Level, d Drainer) {
	for i := range m.cpus {
		m.cpus[i].drainers[level] = d
	}
}

// Current returns cpu's current IPL.
func (m *Manager) Current(cpu int) Level {
	return m.cpus[cpu].current
}

// Raise sets cpu's IPL to newLevel and returns the previous level. Raising
// is cheap — a plain store, per spec.md §4.8 — and never drains.
func (m *Manager) Raise(cpu int, newLevel Level) Level {
	old := m.cpus[cpu].current
	if newLevel < old {
		panic("ipl: Raise to a lower level; use Lower")
	}
	m.cpus[cpu].current = newLevel
	return old
}

// Lower sets cpu's IPL to newLevel, draining every level strictly between
// the old and new level (from highest to lowest) that has a registered
// drainer, before the new IPL takes effect.
func (m *Manager) Lower(cpu int, newLevel Level) {
	old := m.cpus[cpu].current
	if newLevel > old {
		panic("ipl: Lower to a higher level; use Raise")
	}
	for lvl := old; lvl > newLevel; lvl-- {
		if d := m.cpus[cpu].drainers[lvl]; d != nil {
			d.Drain()
		}
	}
	m.cpus[cpu].current = newLevel
}

// CanPreempt reports whether a thread running at cpu's current IPL may be
// preempted — only true at IPL <= Dispatch (spec.md §4.8).
func (m *Manager) CanPreempt(cpu int) bool {
	return m.cpus[cpu].current <= Dispatch
}
