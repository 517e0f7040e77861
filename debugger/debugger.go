// Package debugger implements the kernel debugger core: a single global
// Protocol+Transport pair, the freeze-all-cores IPI protocol, and event
// gating so the debugger only reacts to events it has negotiated with the
// host for (spec.md §4.11).
//
// Grounded directly on original_source/kernel/debugger/Debugger.cpp for
// Initialize/Connect/Disconnect/NotifyOfEvent and the freeze/thaw
// protocol, and on ProtocolGdb.cpp (see gdb.go) for the pluggable
// protocol shape.
package debugger

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/DeanoBurrito/northport-sub001/config"
	"github.com/DeanoBurrito/northport-sub001/defs"
)

// EventType names what NotifyOfEvent is being told about.
type EventType int

const (
	RequestConnect EventType = iota
	RequestDisconnect
	CpuException
	Interrupt
	Ipi
)

func (e EventType) String() string {
	switch e {
	case RequestConnect:
		return "request-connect"
	case RequestDisconnect:
		return "request-disconnect"
	case CpuException:
		return "exception"
	case Interrupt:
		return "interrupt"
	case Ipi:
		return "ipi"
	default:
		return "n/a"
	}
}

type eventFlags uint32

func (f *eventFlags) set(e EventType)   { *f |= 1 << uint(e) }
func (f *eventFlags) clear(e EventType) { *f &^= 1 << uint(e) }
func (f eventFlags) has(e EventType) bool { return f&(1<<uint(e)) != 0 }

// Transport moves raw bytes to and from the debug host. The arch/platform
// layer provides the concrete implementation (serial port, network tap).
type Transport interface {
	Send(data []byte) bool
	Receive(buf []byte) int
}

// Protocol interprets and fulfills host commands over a Transport.
type Protocol interface {
	Name() string
	Connect(t Transport) defs.DebugError
	Disconnect(t Transport)
}

// IpiSender delivers an inter-processor interrupt to a logical CPU, used
// only to drive the freeze protocol.
type IpiSender interface {
	SendIPI(cpu int)
}

// Manager is the debugger core's single global instance in spirit;
// nothing prevents more than one in this repo's tests, which is exactly
// why it isn't a package-level singleton the way Debugger.cpp's static
// namespace state is.
type Manager struct {
	initialized bool
	connected   bool
	cpuCount    int

	protocol  Protocol
	transport Transport
	ipi       IpiSender

	allowed eventFlags

	pingInterval time.Duration

	// onEvent is invoked on a remote CPU after NotifyOfEvent has already
	// waited out any in-progress freeze and found evt allowed. A real
	// arch layer would enter the debug session from here; tests observe
	// it directly since this package has no arch layer of its own.
	onEvent func(evt EventType, data any)

	freezing freezeState
}

// freezeState holds the plain counter the freeze protocol spins on,
// separated out so its three access points (store/load/add) read as a
// single unit below.
type freezeState struct {
	count atomic.Int64
}

func storeFreezing(f *freezeState, v int64) { f.count.Store(v) }
func loadFreezing(f *freezeState) int64     { return f.count.Load() }
func addFreezing(f *freezeState, delta int64) { f.count.Add(delta) }

// NewManager creates a Manager. ipi may be nil only if every Initialize
// call that follows runs with numCpus <= 1 (no remote cores to freeze).
func NewManager(ipi IpiSender) *Manager {
	return &Manager{ipi: ipi, pingInterval: 10 * time.Millisecond}
}

// OnAllowedEvent registers the callback NotifyOfEvent invokes once an
// event has cleared the freeze/allow gate.
func (m *Manager) OnAllowedEvent(fn func(EventType, any)) {
	m.onEvent = fn
}

// AddTransport nominates t as the active transport. Matches
// Debugger::AddTransport: a no-op once Initialize has already run.
func (m *Manager) AddTransport(t Transport) {
	if m.initialized {
		return
	}
	m.transport = t
}

// Initialize reads npk.debugger.* config and, if enabled, selects a
// protocol and (by default) connects immediately.
func (m *Manager) Initialize(cfg *config.Store, numCpus int) defs.DebugError {
	if !cfg.ReadConfigBool("npk.debugger.enable", false) {
		return defs.DebugNotSupported
	}

	switch cfg.ReadConfigString("npk.debugger.protocol", "gdb") {
	case "gdb":
		m.protocol = NewGdbProtocol()
	default:
		return defs.DebugBadEnvironment
	}

	if m.transport == nil {
		return defs.DebugBadEnvironment
	}

	m.cpuCount = numCpus
	m.connected = false
	storeFreezing(&m.freezing, 0)
	m.allowed = 0
	m.allowed.set(RequestConnect)
	m.initialized = true

	if cfg.ReadConfigBool("npk.debugger.auto_connect", true) {
		return m.Connect()
	}
	return defs.DebugOk
}

// Connect issues a RequestConnect dispatch if currently allowed.
func (m *Manager) Connect() defs.DebugError {
	if !m.initialized {
		return defs.DebugNotSupported
	}
	if !m.allowed.has(RequestConnect) {
		return defs.DebugNotSupported
	}
	return m.dispatch(RequestConnect, nil)
}

// Disconnect issues a RequestDisconnect dispatch if currently allowed.
func (m *Manager) Disconnect() {
	if !m.initialized {
		return
	}
	if !m.allowed.has(RequestDisconnect) {
		return
	}
	m.dispatch(RequestDisconnect, nil)
}

// NotifyOfEvent is called from any CPU (including the one that
// instigated a freeze) to tell the debugger core an event occurred. It
// first participates in any in-progress freeze: decrement once, then
// spin until thawed. Only once clear does it check whether the debugger
// currently cares about evt.
func (m *Manager) NotifyOfEvent(evt EventType, data any) {
	if !m.initialized {
		return
	}

	if loadFreezing(&m.freezing) != 0 {
		addFreezing(&m.freezing, -1)
	}
	for loadFreezing(&m.freezing) != 0 {
		runtime.Gosched()
	}

	if !m.allowed.has(evt) {
		return
	}
	if m.onEvent != nil {
		m.onEvent(evt, data)
	}
}

// dispatch is DispatchDebugEvent: freeze every core, run the requested
// core-level operation, thaw.
func (m *Manager) dispatch(evt EventType, data any) defs.DebugError {
	if !m.initialized {
		return defs.DebugNotSupported
	}

	m.freezeAllCpus()
	result := defs.DebugNotSupported

	switch evt {
	case RequestConnect:
		if m.connected {
			result = defs.DebugInvalidArg
		} else {
			result = m.protocol.Connect(m.transport)
			m.connected = result == defs.DebugOk
			if m.connected {
				m.allowed.clear(RequestConnect)
				m.allowed.set(RequestDisconnect)
				m.allowed.set(CpuException)
				m.allowed.set(Interrupt)
				m.allowed.set(Ipi)
			}
		}
	case RequestDisconnect:
		if !m.connected {
			result = defs.DebugInvalidArg
		} else {
			m.protocol.Disconnect(m.transport)
			m.connected = false
			result = defs.DebugOk
		}
	}

	m.thawAllCpus()
	return result
}

// freezeAllCpus sets freezingCount to cpuCount then pings every CPU with
// an IPI, repeating every pingInterval (cores that haven't yet populated
// their IPI id miss the first ping), until the count reaches 1 (every
// other core has decremented, leaving only this one).
func (m *Manager) freezeAllCpus() {
	storeFreezing(&m.freezing, int64(m.cpuCount))
	if m.cpuCount <= 1 {
		return
	}

	ping := func() {
		for i := 0; i < m.cpuCount; i++ {
			m.ipi.SendIPI(i)
		}
	}
	ping()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for loadFreezing(&m.freezing) != 1 {
		select {
		case <-ticker.C:
			ping()
		default:
			runtime.Gosched()
		}
	}
}

func (m *Manager) thawAllCpus() {
	storeFreezing(&m.freezing, 0)
}
