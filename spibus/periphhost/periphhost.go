// Package periphhost implements spibus.Host on periph.io SPI ports.
//
// Each device is its own port, named "SPI<bus>.<cs>" as registered in
// spireg. The bus-wide lock is a weighted semaphore shared by all devices of
// the Host.
package periphhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"periph.io/x/devices/v3/ili9341/spibus"
)

// Host is one SPI bus of the machine.
type Host struct {
	// Bus is the bus number used to build port names.
	Bus int
	// Open opens a port by name. Defaults to spireg.Open.
	Open   func(name string) (spi.PortCloser, error)
	Logger *zap.Logger

	mu    sync.Mutex
	cfg   spibus.BusConfig
	ports []spi.PortCloser
	sem   *semaphore.Weighted
}

// New returns a Host for bus number bus.
func New(bus int, logger *zap.Logger) *Host {
	return &Host{Bus: bus, Logger: logger}
}

// BusInitialize implements spibus.Host. The DMA channel is handled by the
// kernel driver and ignored.
func (h *Host) BusInitialize(cfg spibus.BusConfig, dmaChannel int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sem != nil {
		return errors.New("periphhost: bus already initialized")
	}
	if h.Open == nil {
		h.Open = spireg.Open
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	h.cfg = cfg
	h.sem = semaphore.NewWeighted(1)
	return nil
}

// BusAddDevice implements spibus.Host.
func (h *Host) BusAddDevice(cfg spibus.DeviceConfig) (spibus.DeviceHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sem == nil {
		return nil, errors.New("periphhost: bus not initialized")
	}
	if cfg.CommandBits%8 != 0 || cfg.AddressBits%8 != 0 || cfg.DummyBits%8 != 0 {
		return nil, errors.New("periphhost: command, address and dummy phases must be whole bytes")
	}

	cs, mode := cfg.ChipSelect, cfg.Mode
	if cs == spibus.NoPin {
		cs, mode = 0, mode|spi.NoCS
	}
	name := fmt.Sprintf("SPI%d.%d", h.Bus, cs)
	p, err := h.Open(name)
	if err != nil {
		return nil, err
	}
	c, err := p.Connect(cfg.ClockSpeed, mode, 8)
	if err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	if err := h.checkConn(c); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	h.ports = append(h.ports, p)
	h.Logger.Debug("spi port connected", zap.String("port", name), zap.Stringer("conn", c))
	return &handle{sem: h.sem, conn: c, cfg: cfg}, nil
}

// checkConn compares what the port reports with the bus configuration.
func (h *Host) checkConn(c spi.Conn) error {
	if l, ok := c.(conn.Limits); ok {
		if limit := l.MaxTxSize(); limit > 0 && limit < h.cfg.MaxTransferSize {
			return fmt.Errorf("periphhost: max transfer size %d exceeds port limit %d", h.cfg.MaxTransferSize, limit)
		}
	}
	if p, ok := c.(spi.Pins); ok {
		pins := []struct {
			name string
			want int
			got  interface{ Number() int }
		}{
			{"MOSI", h.cfg.MOSI, p.MOSI()},
			{"MISO", h.cfg.MISO, p.MISO()},
			{"SCLK", h.cfg.SCLK, p.CLK()},
		}
		for _, pin := range pins {
			if pin.got == nil {
				continue
			}
			if n := pin.got.Number(); n >= 0 && n != pin.want {
				return fmt.Errorf("periphhost: %s is pin %d, configured %d", pin.name, n, pin.want)
			}
		}
	}
	return nil
}

// BusFree implements spibus.Host. It closes every port opened by
// BusAddDevice.
func (h *Host) BusFree() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for _, p := range h.ports {
		err = multierr.Append(err, p.Close())
	}
	h.ports = nil
	h.sem = nil
	return err
}

type handle struct {
	sem  *semaphore.Weighted
	conn spi.Conn
	cfg  spibus.DeviceConfig

	mu   sync.Mutex
	held bool
}

func (d *handle) AcquireBus(timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.mu.Lock()
	d.held = true
	d.mu.Unlock()
	return nil
}

func (d *handle) ReleaseBus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.held {
		return errors.New("periphhost: bus not held")
	}
	d.held = false
	d.sem.Release(1)
	return nil
}

func (d *handle) PollingTransmit(t *spibus.Descriptor) error {
	prefix := d.prefix(t)

	n := (t.Length + 7) / 8
	var w, r []byte
	if t.Tx != nil {
		w = t.Tx[:n]
	}
	if t.Rx != nil {
		rn := n
		if t.RxLength != 0 {
			rn = (t.RxLength + 7) / 8
		}
		r = t.Rx[:rn]
	}
	if w != nil && r != nil && len(w) != len(r) {
		return d.txUneven(prefix, w, r)
	}
	if len(prefix) == 0 {
		return d.conn.Tx(w, r)
	}
	return d.conn.TxPackets([]spi.Packet{
		{W: prefix, KeepCS: true},
		{W: w, R: r},
	})
}

// txUneven handles full-duplex transfers whose send and receive lengths
// differ; periph requires equal lengths.
func (d *handle) txUneven(prefix, w, r []byte) error {
	size := max(len(w), len(r))
	wb := make([]byte, size)
	rb := make([]byte, size)
	copy(wb, w)
	var err error
	if len(prefix) == 0 {
		err = d.conn.Tx(wb, rb)
	} else {
		err = d.conn.TxPackets([]spi.Packet{
			{W: prefix, KeepCS: true},
			{W: wb, R: rb},
		})
	}
	copy(r, rb)
	return err
}

// prefix encodes the command, address and dummy phases, most significant
// byte first.
func (d *handle) prefix(t *spibus.Descriptor) []byte {
	cb, ab, db := int(d.cfg.CommandBits/8), int(d.cfg.AddressBits/8), int(d.cfg.DummyBits/8)
	if cb+ab+db == 0 {
		return nil
	}
	p := make([]byte, 0, cb+ab+db)
	for i := cb - 1; i >= 0; i-- {
		p = append(p, byte(t.Cmd>>(8*i)))
	}
	for i := ab - 1; i >= 0; i-- {
		p = append(p, byte(t.Addr>>(8*i)))
	}
	return append(p, make([]byte, db)...)
}
