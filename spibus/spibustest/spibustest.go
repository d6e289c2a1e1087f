// Package spibustest is meant to be used to test drivers built on spibus.
//
// Host records every platform call, can fail any of them and implements a
// real bus-wide lock so contention can be tested.
package spibustest

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/devices/v3/ili9341/spibus"
)

// Kind identifies a platform call.
type Kind int

const (
	Initialize Kind = iota
	AddDevice
	Acquire
	Release
	Transmit
	Free
)

func (k Kind) String() string {
	switch k {
	case Initialize:
		return "initialize"
	case AddDevice:
		return "add-device"
	case Acquire:
		return "acquire"
	case Release:
		return "release"
	case Transmit:
		return "transmit"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Op is one recorded platform call.
type Op struct {
	Kind Kind
	// CS is the chip-select of the device, or spibus.NoPin for bus calls.
	CS int
	// W is a copy of the bytes sent by a Transmit.
	W []byte
	// Desc is the descriptor of a Transmit. Its buffers are not copied.
	Desc spibus.Descriptor
	// Timeout is the bound passed to an Acquire.
	Timeout time.Duration
}

// Host implements spibus.Host.
type Host struct {
	sync.Mutex
	Ops []Op

	// Fail, when set, is consulted before each call is performed; a non-nil
	// result is returned to the caller. The call is recorded either way.
	Fail func(op Op) error
	// OnTransmit, when set, runs inside PollingTransmit after recording. It
	// may fill d.Rx.
	OnTransmit func(cs int, d *spibus.Descriptor) error

	Config     spibus.BusConfig
	DMAChannel int
	Devices    []spibus.DeviceConfig

	initOnce sync.Once
	bus      chan struct{}
}

func (h *Host) busLock() chan struct{} {
	h.initOnce.Do(func() { h.bus = make(chan struct{}, 1) })
	return h.bus
}

func (h *Host) record(op Op) error {
	h.Lock()
	h.Ops = append(h.Ops, op)
	fail := h.Fail
	h.Unlock()
	if fail != nil {
		return fail(op)
	}
	return nil
}

// BusInitialize implements spibus.Host.
func (h *Host) BusInitialize(cfg spibus.BusConfig, dmaChannel int) error {
	if err := h.record(Op{Kind: Initialize, CS: spibus.NoPin}); err != nil {
		return err
	}
	h.Lock()
	h.Config = cfg
	h.DMAChannel = dmaChannel
	h.Unlock()
	return nil
}

// BusAddDevice implements spibus.Host.
func (h *Host) BusAddDevice(cfg spibus.DeviceConfig) (spibus.DeviceHandle, error) {
	if err := h.record(Op{Kind: AddDevice, CS: cfg.ChipSelect}); err != nil {
		return nil, err
	}
	h.Lock()
	h.Devices = append(h.Devices, cfg)
	h.Unlock()
	return &handle{h: h, cs: cfg.ChipSelect}, nil
}

// BusFree implements spibus.Host.
func (h *Host) BusFree() error {
	return h.record(Op{Kind: Free, CS: spibus.NoPin})
}

// Count returns the number of recorded calls of kind k.
func (h *Host) Count(k Kind) int {
	h.Lock()
	defer h.Unlock()
	n := 0
	for _, op := range h.Ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}

// Kinds returns the kinds of all recorded calls in order.
func (h *Host) Kinds() []Kind {
	h.Lock()
	defer h.Unlock()
	out := make([]Kind, len(h.Ops))
	for i, op := range h.Ops {
		out[i] = op.Kind
	}
	return out
}

// Writes returns the bytes of every recorded Transmit in order.
func (h *Host) Writes() [][]byte {
	h.Lock()
	defer h.Unlock()
	var out [][]byte
	for _, op := range h.Ops {
		if op.Kind == Transmit {
			out = append(out, op.W)
		}
	}
	return out
}

// Last returns the most recent call of kind k.
func (h *Host) Last(k Kind) (Op, bool) {
	h.Lock()
	defer h.Unlock()
	for i := len(h.Ops) - 1; i >= 0; i-- {
		if h.Ops[i].Kind == k {
			return h.Ops[i], true
		}
	}
	return Op{}, false
}

// Reset forgets the recorded calls.
func (h *Host) Reset() {
	h.Lock()
	defer h.Unlock()
	h.Ops = nil
}

// Status returns a Fail function failing the n-th (1-based) call of kind k
// with status s.
func Status(k Kind, n int, s spibus.Status) func(Op) error {
	var mu sync.Mutex
	seen := 0
	return func(op Op) error {
		if op.Kind != k {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == n {
			return s
		}
		return nil
	}
}

type handle struct {
	h  *Host
	cs int
}

func (d *handle) AcquireBus(timeout time.Duration) error {
	if err := d.h.record(Op{Kind: Acquire, CS: d.cs, Timeout: timeout}); err != nil {
		return err
	}
	bus := d.h.busLock()
	if timeout == 0 {
		bus <- struct{}{}
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case bus <- struct{}{}:
		return nil
	case <-t.C:
		return spibus.Status(0x107) // ESP_ERR_TIMEOUT
	}
}

func (d *handle) ReleaseBus() error {
	err := d.h.record(Op{Kind: Release, CS: d.cs})
	select {
	case <-d.h.busLock():
	default:
	}
	return err
}

func (d *handle) PollingTransmit(desc *spibus.Descriptor) error {
	n := (desc.Length + 7) / 8
	if n > len(desc.Tx) {
		n = len(desc.Tx)
	}
	w := append([]byte(nil), desc.Tx[:n]...)
	if err := d.h.record(Op{Kind: Transmit, CS: d.cs, W: w, Desc: *desc}); err != nil {
		return err
	}
	if d.h.OnTransmit != nil {
		return d.h.OnTransmit(d.cs, desc)
	}
	return nil
}
