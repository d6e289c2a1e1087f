package spibus

import (
	"sync"

	"go.uber.org/zap"
)

// BusOpts tunes a Bus. nil uses the defaults.
type BusOpts struct {
	Logger *zap.Logger
}

// Bus is one initialized physical bus.
type Bus struct {
	host       Host
	cfg        BusConfig
	dmaChannel int
	logger     *zap.Logger

	// addSignal is a binary signal serializing AddDevice.
	addSignal chan struct{}

	mu      sync.Mutex
	closed  bool
	devices map[int]struct{} // registered chip-select pins
}

// Open initializes the bus described by cfg on h.
//
// It must not be called concurrently for the same physical bus.
func Open(h Host, cfg BusConfig, dmaChannel int, opts *BusOpts) (*Bus, error) {
	if opts == nil {
		opts = &BusOpts{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := busErr("initialize", h.BusInitialize(cfg, dmaChannel)); err != nil {
		return nil, err
	}
	b := &Bus{
		host:       h,
		cfg:        cfg,
		dmaChannel: dmaChannel,
		logger:     logger,
		addSignal:  make(chan struct{}, 1),
		devices:    map[int]struct{}{},
	}
	b.addSignal <- struct{}{}
	logger.Debug("spi bus initialized",
		zap.Int("mosi", cfg.MOSI),
		zap.Int("miso", cfg.MISO),
		zap.Int("sclk", cfg.SCLK),
		zap.Int("max_transfer_size", cfg.MaxTransferSize),
		zap.Int("dma_channel", dmaChannel))
	return b, nil
}

// Config returns the bus configuration.
func (b *Bus) Config() BusConfig {
	return b.cfg
}

// AddDevice registers a device on b.
//
// pre and post run immediately before and after every transfer on the
// device and receive the transaction's context. Either may be nil.
//
// The returned DeviceBusLock is the only handle to the device. Registering
// two devices on the same chip-select is a programming error and fails with
// ErrDuplicateDevice.
func AddDevice[C any](b *Bus, cfg DeviceConfig, pre, post func(C)) (*DeviceBusLock[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	<-b.addSignal
	defer func() { b.addSignal <- struct{}{} }()

	if b.isClosed() {
		return nil, ErrBusClosed
	}
	if cfg.ChipSelect != NoPin {
		b.mu.Lock()
		_, dup := b.devices[cfg.ChipSelect]
		b.mu.Unlock()
		if dup {
			return nil, ErrDuplicateDevice
		}
	}

	h, err := b.host.BusAddDevice(cfg)
	if err != nil {
		return nil, busErr("add device", err)
	}
	if cfg.ChipSelect != NoPin {
		b.mu.Lock()
		b.devices[cfg.ChipSelect] = struct{}{}
		b.mu.Unlock()
	}
	b.logger.Debug("spi device added",
		zap.Int("cs", cfg.ChipSelect),
		zap.Stringer("clock", cfg.ClockSpeed),
		zap.Int("mode", int(cfg.Mode)))

	if pre == nil {
		pre = func(C) {}
	}
	if post == nil {
		post = func(C) {}
	}
	dev := &Device[C]{
		handle: h,
		cfg:    cfg,
		maxLen: b.cfg.MaxTransferSize,
		pre:    pre,
		post:   post,
	}
	return &DeviceBusLock[C]{bus: b, dev: dev, held: make(chan struct{}, 1)}, nil
}

// Close frees the bus registration. All devices must have stopped issuing
// transfers; later calls to Lock fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.closed = true
	b.mu.Unlock()
	b.logger.Debug("spi bus freed")
	return busErr("free", b.host.BusFree())
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
