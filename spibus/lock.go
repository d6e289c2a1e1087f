package spibus

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
)

// DeviceBusLock is the exclusive-access wrapper of a Device. It is created by
// AddDevice only.
type DeviceBusLock[C any] struct {
	bus *Bus
	dev *Device[C]

	// held is taken for the lifetime of a Guard so that two goroutines
	// sharing the wrapper never see the device at the same time.
	held chan struct{}
}

// Lock acquires the hardware bus for the device.
//
// It waits forever unless DeviceConfig.LockTimeout is set. The returned Guard
// must be released; prefer WithLock.
func (l *DeviceBusLock[C]) Lock() (*Guard[C], error) {
	if l.bus.isClosed() {
		return nil, ErrBusClosed
	}
	held := l.held
	timeout := l.dev.cfg.LockTimeout
	if timeout == 0 {
		held <- struct{}{}
	} else {
		// One deadline covers both waits.
		deadline := time.Now().Add(timeout)
		t := time.NewTimer(timeout)
		select {
		case held <- struct{}{}:
			t.Stop()
		case <-t.C:
			return nil, &LockError{Err: fmt.Errorf("timed out after %s", timeout)}
		}
		timeout = time.Until(deadline)
		if timeout <= 0 {
			<-held
			return nil, &LockError{Err: fmt.Errorf("timed out after %s", l.dev.cfg.LockTimeout)}
		}
	}
	if err := l.dev.handle.AcquireBus(timeout); err != nil {
		<-held
		return nil, &LockError{Err: err}
	}
	return &Guard[C]{l: l}, nil
}

// WithLock runs fn with the bus held and releases it on every exit path,
// including a panic in fn. An error from fn takes precedence over a release
// error.
func (l *DeviceBusLock[C]) WithLock(fn func(d *Device[C]) error) (err error) {
	g, err := l.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); err == nil {
			err = rerr
		}
	}()
	return fn(g.l.dev)
}

// Write locks the bus and sends p in one transaction.
func (l *DeviceBusLock[C]) Write(p []byte, ctx C) error {
	return l.WithLock(func(d *Device[C]) error {
		return d.Transfer(NewWrite(p, ctx))
	})
}

// Send locks the bus and exchanges one byte. The received byte is returned
// by Read.
func (l *DeviceBusLock[C]) Send(word byte, ctx C) error {
	return l.WithLock(func(d *Device[C]) error {
		return d.Exchange(word, ctx)
	})
}

// Read returns the byte received by the last Send.
func (l *DeviceBusLock[C]) Read() (byte, error) {
	var w byte
	err := l.WithLock(func(d *Device[C]) error {
		w = d.LastWord()
		return nil
	})
	return w, err
}

// Conn returns a periph connection on the device. Each Tx locks the bus,
// performs one transaction carrying ctx and releases the bus.
func (l *DeviceBusLock[C]) Conn(ctx C) conn.Conn {
	return &lockedConn[C]{l: l, ctx: ctx}
}

func (l *DeviceBusLock[C]) String() string {
	return fmt.Sprintf("spibus.Device{cs=%d, %s}", l.dev.cfg.ChipSelect, l.dev.cfg.ClockSpeed)
}

// Guard holds the bus for one device. Release must be called exactly once;
// further calls are no-ops.
type Guard[C any] struct {
	l        *DeviceBusLock[C]
	released bool
}

// Device returns the guarded device. It must not be used after Release.
func (g *Guard[C]) Device() *Device[C] {
	return g.l.dev
}

// Transfer performs t on the guarded device.
func (g *Guard[C]) Transfer(t Transaction[C]) error {
	if g.released {
		return ErrGuardReleased
	}
	return g.l.dev.Transfer(t)
}

// Release gives the bus back.
func (g *Guard[C]) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	err := g.l.dev.handle.ReleaseBus()
	<-g.l.held
	return busErr("release bus", err)
}

type lockedConn[C any] struct {
	l   *DeviceBusLock[C]
	ctx C
}

func (c *lockedConn[C]) String() string {
	return c.l.String()
}

func (c *lockedConn[C]) Tx(w, r []byte) error {
	var t Transaction[C]
	switch {
	case len(w) != 0 && len(r) != 0:
		t = NewBoth(w, r, c.ctx)
	case len(r) != 0:
		t = NewRead(r, c.ctx)
	default:
		t = NewWrite(w, c.ctx)
	}
	return c.l.WithLock(func(d *Device[C]) error {
		return d.Transfer(t)
	})
}

func (c *lockedConn[C]) Duplex() conn.Duplex {
	return conn.Full
}
