package debugger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/DeanoBurrito/northport-sub001/config"
	"github.com/DeanoBurrito/northport-sub001/debugger"
	"github.com/DeanoBurrito/northport-sub001/defs"
)

// fakeTransport replays a single canned GDB handshake packet.
type fakeTransport struct {
	mu   sync.Mutex
	rx   []byte
	sent [][]byte
}

func (t *fakeTransport) Receive(buf []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rx) == 0 {
		return 0
	}
	n := copy(buf, t.rx)
	t.rx = t.rx[n:]
	return n
}

func (t *fakeTransport) Send(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), data...)
	t.sent = append(t.sent, cp)
	return true
}

// fakeIpi simulates remote CPUs: each SendIPI spawns a goroutine that
// calls back into the Manager's NotifyOfEvent(Ipi, ...), the way a real
// IPI handler would on the target core.
type fakeIpi struct {
	mu     sync.Mutex
	pinged map[int]bool
	notify func(cpu int)
}

func (f *fakeIpi) SendIPI(cpu int) {
	if cpu == 0 {
		return // cpu 0 is the instigating core in these tests, it doesn't self-IPI
	}
	f.mu.Lock()
	if f.pinged == nil {
		f.pinged = map[int]bool{}
	}
	if f.pinged[cpu] {
		f.mu.Unlock()
		return // already notified this cpu once, a real core only decrements once per freeze
	}
	f.pinged[cpu] = true
	f.mu.Unlock()
	go f.notify(cpu)
}

func TestInitializeDisabledByDefault(t *testing.T) {
	m := debugger.NewManager(nil)
	cfg := config.New()
	if err := m.Initialize(cfg, 1); err != defs.DebugNotSupported {
		t.Fatalf("Initialize with no config = %v, want DebugNotSupported", err)
	}
}

func TestInitializeRequiresTransport(t *testing.T) {
	m := debugger.NewManager(nil)
	cfg := config.New()
	cfg.SetSingle("npk.debugger.enable", "true")
	if err := m.Initialize(cfg, 1); err != defs.DebugBadEnvironment {
		t.Fatalf("Initialize with no transport = %v, want DebugBadEnvironment", err)
	}
}

func TestInitializeAutoConnectsViaGdbHandshake(t *testing.T) {
	m := debugger.NewManager(nil)
	tr := &fakeTransport{rx: []byte("$?#3f")}
	m.AddTransport(tr)

	cfg := config.New()
	cfg.SetSingle("npk.debugger.enable", "true")
	cfg.SetSingle("npk.debugger.auto_connect", "true")

	if err := m.Initialize(cfg, 1); err != defs.DebugOk {
		t.Fatalf("Initialize = %v, want DebugOk", err)
	}
	if len(tr.sent) != 1 || string(tr.sent[0]) != "+" {
		t.Fatalf("expected a single positive ack, got %v", tr.sent)
	}
}

func TestConnectTwiceReturnsNotSupported(t *testing.T) {
	m := debugger.NewManager(nil)
	tr := &fakeTransport{rx: []byte("$?#3f")}
	m.AddTransport(tr)

	cfg := config.New()
	cfg.SetSingle("npk.debugger.enable", "true")
	cfg.SetSingle("npk.debugger.auto_connect", "true")
	m.Initialize(cfg, 1)

	if err := m.Connect(); err != defs.DebugNotSupported {
		t.Fatalf("second Connect() = %v, want DebugNotSupported (RequestConnect no longer allowed)", err)
	}
}

func TestFreezeProtocolWaitsForEveryRemoteCpuToDecrement(t *testing.T) {
	var m *debugger.Manager
	var notified int
	var mu sync.Mutex
	ipi := &fakeIpi{notify: func(cpu int) {
		mu.Lock()
		notified++
		mu.Unlock()
		m.NotifyOfEvent(debugger.Ipi, nil)
	}}
	m = debugger.NewManager(ipi)

	tr := &fakeTransport{rx: []byte("$?#3f")}
	m.AddTransport(tr)
	cfg := config.New()
	cfg.SetSingle("npk.debugger.enable", "true")
	cfg.SetSingle("npk.debugger.auto_connect", "true")

	done := make(chan defs.DebugError, 1)
	go func() { done <- m.Initialize(cfg, 4) }()

	select {
	case err := <-done:
		if err != defs.DebugOk {
			t.Fatalf("Initialize = %v, want DebugOk", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("freeze protocol never converged with 4 cpus")
	}

	mu.Lock()
	defer mu.Unlock()
	if notified != 3 {
		t.Fatalf("expected 3 remote cpus notified (1,2,3), got %d", notified)
	}
}

func TestBreakpointRegistryFallsBackToSoftware(t *testing.T) {
	r := debugger.NewBreakpointRegistry(1)
	bp1 := r.Add(0x1000)
	bp2 := r.Add(0x2000)

	if bp1.Kind != debugger.BpHardware || !bp1.Bound {
		t.Fatalf("first breakpoint should bind to hardware: %+v", bp1)
	}
	if bp2.Kind != debugger.BpSoftware || bp2.Bound {
		t.Fatalf("second breakpoint should fall back to software: %+v", bp2)
	}

	r.Remove(0x1000)
	bp3 := r.Add(0x3000)
	if bp3.Kind != debugger.BpHardware {
		t.Fatalf("freed hardware slot should be reused: %+v", bp3)
	}
}

func TestBreakpointLookupMissing(t *testing.T) {
	r := debugger.NewBreakpointRegistry(4)
	if _, ok := r.Lookup(0xdead); ok {
		t.Fatalf("Lookup found a breakpoint that was never added")
	}
}
