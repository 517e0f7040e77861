// Package driver implements the device/driver model: a forest of device
// descriptors, the DeviceApi variant record, transport-API promotion, and
// IOP begin/end dispatch (spec.md §4.10). The module loader lives in
// loader.go.
//
// Grounded on original_source/kernel/drivers/Loader.cpp and
// include/interfaces/driver/Drivers.h for the manifest/matching contract,
// and on spec.md §9's design note to represent DeviceApi as a tagged
// union (here a struct of optional function fields set once at
// registration, matching "the variant is chosen once and never changes").
package driver

import (
	"sync"
)

// LoadName identifies a compatible driver by one of several naming
// schemes (spec.md §4.10).
type LoadName struct {
	PciClassTriple  string // "class,subclass,progif"
	PciVendorDevice string // "vendor,device"
	DtbCompat       string
	AcpiHidCid      string
}

// Descriptor is one node in the device forest.
type Descriptor struct {
	Name      string
	Parent    *Descriptor
	LoadNames []LoadName

	mu       sync.Mutex
	children []*Descriptor
	api      *Api       // this descriptor's own I/O implementation, if any
	transport *Api      // the promoted transport API beneath this subtree
}

// Api is a device's registered I/O implementation: a tagged set of
// function fields, set once at registration and never mutated — spec.md
// §9's "chosen once, dispatch cost one indirect call".
type Api struct {
	Kind    string
	BeginOp func(f *IopFrame) bool
	EndOp   func(f *IopFrame)
	// Transfer performs the bottommost actual I/O once every begin_op in
	// the chain has succeeded.
	Transfer func(f *IopFrame) error
}

// NewDescriptor creates a child of parent (nil for a tree root).
func NewDescriptor(name string, parent *Descriptor, names ...LoadName) *Descriptor {
	d := &Descriptor{Name: name, Parent: parent, LoadNames: names}
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, d)
		parent.mu.Unlock()
	}
	return d
}

// SetApi registers d's own I/O implementation.
func (d *Descriptor) SetApi(a *Api) {
	d.mu.Lock()
	d.api = a
	d.mu.Unlock()
}

// SetTransportApi nominates a as the transport for every descendant of d
// that doesn't provide its own API — npk_set_transport_api (spec.md
// §4.10).
func (d *Descriptor) SetTransportApi(a *Api) {
	d.mu.Lock()
	d.transport = a
	d.mu.Unlock()
}

// resolveApi returns d's own API if set, else walks up to the nearest
// ancestor's promoted transport API.
func (d *Descriptor) resolveApi() *Api {
	d.mu.Lock()
	if d.api != nil {
		a := d.api
		d.mu.Unlock()
		return a
	}
	if d.transport != nil {
		a := d.transport
		d.mu.Unlock()
		return a
	}
	d.mu.Unlock()
	for p := d.Parent; p != nil; p = p.Parent {
		p.mu.Lock()
		t := p.transport
		p.mu.Unlock()
		if t != nil {
			return t
		}
	}
	return nil
}

// chainToRoot walks from d up to and including the nearest ancestor that
// owns a transport API, collecting every node along the way that owns its
// own Api (d included). Descendants that merely inherit a transport
// contribute no begin_op call of their own; they pass straight through
// without being added to the chain. The returned slice is ordered
// top-down, root-most (the transport owner, if any) first, d last — the
// order BeginIop calls begin_op in and EndIop/rollback unwind in reverse
// (spec.md §4.10: "walks from the target device up to the transport API,
// calling each level's begin_op ... top-down").
func (d *Descriptor) chainToRoot() []*Descriptor {
	var nodes []*Descriptor
	for c := d; c != nil; c = c.Parent {
		c.mu.Lock()
		ownsAPI := c.api != nil
		ownsTransport := c.transport != nil
		c.mu.Unlock()
		if ownsAPI || ownsTransport {
			nodes = append(nodes, c)
		}
		if ownsTransport {
			break
		}
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

// IopFrame is one level's view of an in-flight I/O packet.
type IopFrame struct {
	Op     OpKind
	Buffer []byte
	Length int
	Offset uint64
}

type OpKind int

const (
	Read OpKind = iota
	Write
)

// Handle represents an in-flight IOP for EndIop to close.
type Handle struct {
	frames []*IopFrame
	chain  []*Descriptor
	failed bool
}

// BeginIop walks from target up to the resolved transport API, calling
// each level's BeginOp with a fresh IopFrame top-down. If any returns
// false the IOP fails and completed frames are rolled back via EndOp in
// reverse immediately (spec.md §4.10).
func BeginIop(target *Descriptor, op OpKind, buf []byte, length int, offset uint64) (*Handle, error) {
	chain := target.chainToRoot()
	if len(chain) == 0 {
		return nil, driverError("driver: no resolvable API in chain")
	}
	h := &Handle{chain: chain}
	for _, d := range chain {
		api := d.resolveApi()
		if api == nil || api.BeginOp == nil {
			continue
		}
		f := &IopFrame{Op: op, Buffer: buf, Length: length, Offset: offset}
		if !api.BeginOp(f) {
			h.failed = true
			rollback(h)
			return nil, driverError("driver: begin_op failed")
		}
		h.frames = append(h.frames, f)
	}

	// the last node in chain (d itself, or the nearest ancestor owning an
	// Api or transport) performs the transfer through its resolved Api,
	// on the last frame begun
	bottom := chain[len(chain)-1].resolveApi()
	if bottom != nil && bottom.Transfer != nil && len(h.frames) > 0 {
		if err := bottom.Transfer(h.frames[len(h.frames)-1]); err != nil {
			h.failed = true
			rollback(h)
			return nil, err
		}
	}
	return h, nil
}

func rollback(h *Handle) {
	for i := len(h.frames) - 1; i >= 0; i-- {
		d := h.chain[i]
		if api := d.resolveApi(); api != nil && api.EndOp != nil {
			api.EndOp(h.frames[i])
		}
	}
	h.frames = nil
}

// EndIop calls end_op on each frame bottom-up and closes the handle. Safe
// to call on a handle whose BeginIop already rolled back (no-op).
func EndIop(h *Handle) {
	for i := len(h.frames) - 1; i >= 0; i-- {
		d := h.chain[i]
		if api := d.resolveApi(); api != nil && api.EndOp != nil {
			api.EndOp(h.frames[i])
		}
	}
	h.frames = nil
}

type driverError string

func (e driverError) Error() string { return string(e) }
