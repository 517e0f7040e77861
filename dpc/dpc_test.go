package dpc_test

import (
	"testing"

	"github.com/DeanoBurrito/northport-sub001/dpc"
	"github.com/DeanoBurrito/northport-sub001/ipl"
)

func TestQueueDrainsOnLowerFromDispatch(t *testing.T) {
	m := ipl.New(1)
	cpu := 0
	d := dpc.New(m, 1, func() int { return cpu })

	var ran bool
	m.Raise(0, ipl.Dispatch)
	d.Queue(0, func() { ran = true })
	if d.Pending(0) != 1 {
		t.Fatalf("Pending = %d, want 1 before drain", d.Pending(0))
	}
	m.Lower(0, ipl.Passive)

	if !ran {
		t.Fatalf("DPC did not run after lowering IPL")
	}
	if d.Pending(0) != 0 {
		t.Fatalf("Pending = %d, want 0 after drain", d.Pending(0))
	}
}

func TestQueueSelfSignalsWhenBelowDispatch(t *testing.T) {
	m := ipl.New(1)
	cpu := 0
	d := dpc.New(m, 1, func() int { return cpu })

	var ran bool
	// caller is at Passive; Queue should raise+lower itself to flush
	d.Queue(0, func() { ran = true })
	if !ran {
		t.Fatalf("DPC queued from below Dispatch did not self-drain")
	}
}

func TestDrainRunsInFIFOOrder(t *testing.T) {
	m := ipl.New(1)
	cpu := 0
	d := dpc.New(m, 1, func() int { return cpu })

	var order []int
	m.Raise(0, ipl.Dispatch)
	d.Queue(0, func() { order = append(order, 1) })
	d.Queue(0, func() { order = append(order, 2) })
	d.Queue(0, func() { order = append(order, 3) })
	m.Lower(0, ipl.Passive)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("DPCs ran out of order: %v", order)
	}
}
