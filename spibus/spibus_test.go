package spibus_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/ili9341/spibus"
	"periph.io/x/devices/v3/ili9341/spibus/spibustest"
)

var busConfig = spibus.BusConfig{
	MOSI:            23,
	MISO:            19,
	SCLK:            18,
	QuadWP:          spibus.NoPin,
	QuadHD:          spibus.NoPin,
	MaxTransferSize: 640,
}

func devConfig(cs int) spibus.DeviceConfig {
	return spibus.DeviceConfig{
		ChipSelect: cs,
		ClockSpeed: 20 * physic.MegaHertz,
		Mode:       spi.Mode0,
	}
}

func openBus(t *testing.T, h *spibustest.Host) *spibus.Bus {
	t.Helper()
	b, err := spibus.Open(h, busConfig, 1, &spibus.BusOpts{Logger: zaptest.NewLogger(t)})
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestBusConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *spibus.BusConfig)
		wantErr bool
	}{
		{"valid", func(c *spibus.BusConfig) {}, false},
		{"quad pins", func(c *spibus.BusConfig) { c.QuadWP, c.QuadHD = 22, 21 }, false},
		{"negative mosi", func(c *spibus.BusConfig) { c.MOSI = -3 }, true},
		{"shared pin", func(c *spibus.BusConfig) { c.MISO = c.SCLK }, true},
		{"quad shares clock", func(c *spibus.BusConfig) { c.QuadHD = c.SCLK }, true},
		{"zero max transfer", func(c *spibus.BusConfig) { c.MaxTransferSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := busConfig
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			var g spibus.GenericError
			if err != nil && !errors.As(err, &g) {
				t.Errorf("Validate() = %T, want GenericError", err)
			}
		})
	}
}

func TestDeviceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *spibus.DeviceConfig)
		wantErr bool
	}{
		{"valid", func(c *spibus.DeviceConfig) {}, false},
		{"no chip-select", func(c *spibus.DeviceConfig) { c.ChipSelect = spibus.NoPin }, false},
		{"mode3", func(c *spibus.DeviceConfig) { c.Mode = spi.Mode3 }, false},
		{"bad chip-select", func(c *spibus.DeviceConfig) { c.ChipSelect = -7 }, true},
		{"no clock", func(c *spibus.DeviceConfig) { c.ClockSpeed = 0 }, true},
		{"mode flags", func(c *spibus.DeviceConfig) { c.Mode = spi.Mode0 | spi.LSBFirst }, true},
		{"wide command", func(c *spibus.DeviceConfig) { c.CommandBits = 17 }, true},
		{"negative timeout", func(c *spibus.DeviceConfig) { c.LockTimeout = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := devConfig(5)
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	h := &spibustest.Host{}
	b := openBus(t, h)
	test.That(t, h.Config, test.ShouldResemble, busConfig)
	test.That(t, h.DMAChannel, test.ShouldEqual, 1)
	test.That(t, b.Config(), test.ShouldResemble, busConfig)
}

func TestOpenPlatformFailure(t *testing.T) {
	h := &spibustest.Host{Fail: spibustest.Status(spibustest.Initialize, 1, 0x103)}
	_, err := spibus.Open(h, busConfig, 1, nil)
	var be *spibus.BusError
	test.That(t, errors.As(err, &be), test.ShouldBeTrue)
	test.That(t, be.Code(), test.ShouldEqual, spibus.Status(0x103))
}

func TestOpenInvalidConfig(t *testing.T) {
	h := &spibustest.Host{}
	c := busConfig
	c.MOSI = c.MISO
	_, err := spibus.Open(h, c, 1, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, h.Count(spibustest.Initialize), test.ShouldEqual, 0)
}

func TestAddDevice(t *testing.T) {
	h := &spibustest.Host{}
	b := openBus(t, h)

	l, err := spibus.AddDevice[bool](b, devConfig(5), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Devices, test.ShouldHaveLength, 1)
	test.That(t, h.Devices[0].QueueSize, test.ShouldEqual, 8)
	test.That(t, l.String(), test.ShouldEqual, "spibus.Device{cs=5, 20MHz}")

	_, err = spibus.AddDevice[bool](b, devConfig(5), nil, nil)
	test.That(t, errors.Is(err, spibus.ErrDuplicateDevice), test.ShouldBeTrue)

	// Always-selected devices are not tracked.
	_, err = spibus.AddDevice[bool](b, devConfig(spibus.NoPin), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = spibus.AddDevice[bool](b, devConfig(spibus.NoPin), nil, nil)
	test.That(t, err, test.ShouldBeNil)
}

func TestAddDevicePlatformFailure(t *testing.T) {
	h := &spibustest.Host{Fail: spibustest.Status(spibustest.AddDevice, 1, 0x101)}
	b := openBus(t, h)
	_, err := spibus.AddDevice[struct{}](b, devConfig(5), nil, nil)
	var be *spibus.BusError
	test.That(t, errors.As(err, &be), test.ShouldBeTrue)
	test.That(t, be.Code(), test.ShouldEqual, spibus.Status(0x101))

	// The failed registration does not reserve the chip-select.
	_, err = spibus.AddDevice[struct{}](b, devConfig(5), nil, nil)
	test.That(t, err, test.ShouldBeNil)
}

func TestLockDiscipline(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := &spibustest.Host{}
		l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
		err := l.WithLock(func(d *spibus.Device[bool]) error {
			if err := d.Transfer(spibus.NewWrite([]byte{0x2A}, false)); err != nil {
				return err
			}
			return d.Transfer(spibus.NewWrite([]byte{0, 0, 0, 3}, true))
		})
		test.That(t, err, test.ShouldBeNil)
		want := []spibustest.Kind{
			spibustest.Initialize, spibustest.AddDevice,
			spibustest.Acquire, spibustest.Transmit, spibustest.Transmit, spibustest.Release,
		}
		if diff := cmp.Diff(want, h.Kinds()); diff != "" {
			t.Errorf("ops mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("transfer error", func(t *testing.T) {
		h := &spibustest.Host{Fail: spibustest.Status(spibustest.Transmit, 1, 0x102)}
		l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
		calls := 0
		err := l.WithLock(func(d *spibus.Device[bool]) error {
			if err := d.Transfer(spibus.NewWrite([]byte{1}, false)); err != nil {
				return err
			}
			calls++
			return d.Transfer(spibus.NewWrite([]byte{2}, false))
		})
		var be *spibus.BusError
		test.That(t, errors.As(err, &be), test.ShouldBeTrue)
		test.That(t, be.Code(), test.ShouldEqual, spibus.Status(0x102))
		test.That(t, calls, test.ShouldEqual, 0)
		test.That(t, h.Count(spibustest.Acquire), test.ShouldEqual, 1)
		test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 1)
		test.That(t, h.Count(spibustest.Transmit), test.ShouldEqual, 1)
	})

	t.Run("panic", func(t *testing.T) {
		h := &spibustest.Host{}
		l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
		func() {
			defer func() { _ = recover() }()
			_ = l.WithLock(func(d *spibus.Device[bool]) error {
				panic("boom")
			})
		}()
		test.That(t, h.Count(spibustest.Acquire), test.ShouldEqual, 1)
		test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 1)
		// The wrapper is usable again.
		test.That(t, l.Write([]byte{0}, false), test.ShouldBeNil)
	})

	t.Run("release error", func(t *testing.T) {
		h := &spibustest.Host{Fail: spibustest.Status(spibustest.Release, 1, 0x104)}
		l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
		err := l.Write([]byte{0}, false)
		var be *spibus.BusError
		test.That(t, errors.As(err, &be), test.ShouldBeTrue)
		test.That(t, be.Op, test.ShouldEqual, "release bus")
	})
}

func TestGuard(t *testing.T) {
	h := &spibustest.Host{}
	l, _ := spibus.AddDevice[int](openBus(t, h), devConfig(5), nil, nil)
	g, err := l.Lock()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Transfer(spibus.NewWrite([]byte{1, 2}, 7)), test.ShouldBeNil)
	test.That(t, g.Device().Config().ChipSelect, test.ShouldEqual, 5)
	test.That(t, g.Release(), test.ShouldBeNil)
	test.That(t, g.Release(), test.ShouldBeNil)
	test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 1)
	test.That(t, errors.Is(g.Transfer(spibus.NewWrite([]byte{3}, 7)), spibus.ErrGuardReleased), test.ShouldBeTrue)
	test.That(t, h.Count(spibustest.Transmit), test.ShouldEqual, 1)
}

func TestLockFailure(t *testing.T) {
	h := &spibustest.Host{Fail: spibustest.Status(spibustest.Acquire, 1, 0x107)}
	l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
	_, err := l.Lock()
	var le *spibus.LockError
	test.That(t, errors.As(err, &le), test.ShouldBeTrue)
	test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 0)

	// A failed acquire leaves nothing held.
	g, err := l.Lock()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Release(), test.ShouldBeNil)
}

func TestLockTimeout(t *testing.T) {
	h := &spibustest.Host{}
	b := openBus(t, h)
	a, _ := spibus.AddDevice[bool](b, devConfig(5), nil, nil)
	cfg := devConfig(4)
	cfg.LockTimeout = 10 * time.Millisecond
	other, _ := spibus.AddDevice[bool](b, cfg, nil, nil)

	g, err := a.Lock()
	test.That(t, err, test.ShouldBeNil)
	_, err = other.Lock()
	var le *spibus.LockError
	test.That(t, errors.As(err, &le), test.ShouldBeTrue)
	test.That(t, g.Release(), test.ShouldBeNil)

	g, err = other.Lock()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Release(), test.ShouldBeNil)
}

func TestLockTimeoutIsOneDeadline(t *testing.T) {
	h := &spibustest.Host{}
	b := openBus(t, h)
	cfg := devConfig(4)
	cfg.LockTimeout = 200 * time.Millisecond
	l, err := spibus.AddDevice[bool](b, cfg, nil, nil)
	test.That(t, err, test.ShouldBeNil)

	g, err := l.Lock()
	test.That(t, err, test.ShouldBeNil)
	released := make(chan error, 1)
	time.AfterFunc(30*time.Millisecond, func() { released <- g.Release() })

	g2, err := l.Lock()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, <-released, test.ShouldBeNil)
	op, ok := h.Last(spibustest.Acquire)
	test.That(t, ok, test.ShouldBeTrue)
	// The time spent waiting for the first guard is not granted again.
	test.That(t, op.Timeout, test.ShouldBeGreaterThan, time.Duration(0))
	test.That(t, op.Timeout, test.ShouldBeLessThanOrEqualTo, cfg.LockTimeout-20*time.Millisecond)
	test.That(t, g2.Release(), test.ShouldBeNil)
}

func TestContention(t *testing.T) {
	var inFlight, maxInFlight int32
	h := &spibustest.Host{}
	h.OnTransmit = func(cs int, d *spibus.Descriptor) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	b := openBus(t, h)
	devs := make([]*spibus.DeviceBusLock[bool], 3)
	for i := range devs {
		devs[i], _ = spibus.AddDevice[bool](b, devConfig(i), nil, nil)
	}

	var wg sync.WaitGroup
	for _, l := range devs {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(l *spibus.DeviceBusLock[bool]) {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					if err := l.Write([]byte{byte(k)}, true); err != nil {
						t.Error(err)
					}
				}
			}(l)
		}
	}
	wg.Wait()
	test.That(t, maxInFlight, test.ShouldEqual, int32(1))
	test.That(t, h.Count(spibustest.Acquire), test.ShouldEqual, 120)
	test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 120)
}

func TestCallbacks(t *testing.T) {
	var events []string
	h := &spibustest.Host{}
	h.OnTransmit = func(cs int, d *spibus.Descriptor) error {
		events = append(events, "transmit")
		return nil
	}
	pre := func(dc bool) {
		if dc {
			events = append(events, "pre data")
		} else {
			events = append(events, "pre cmd")
		}
	}
	post := func(dc bool) { events = append(events, "post") }
	l, _ := spibus.AddDevice(openBus(t, h), devConfig(5), pre, post)

	test.That(t, l.Write([]byte{0x2C}, false), test.ShouldBeNil)
	test.That(t, l.Write([]byte{0xF8, 0x00}, true), test.ShouldBeNil)
	want := []string{"pre cmd", "transmit", "post", "pre data", "transmit", "post"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("callback order mismatch (-want +got):\n%s", diff)
	}

	events = nil
	h.Fail = spibustest.Status(spibustest.Transmit, 1, 0x102)
	test.That(t, l.Write([]byte{0x2C}, false), test.ShouldNotBeNil)
	test.That(t, events, test.ShouldResemble, []string{"pre cmd", "post"})
}

func TestTransactionHelpers(t *testing.T) {
	tx := []byte{1, 2, 3}
	rx := make([]byte, 2)

	w := spibus.NewWrite(tx, "w")
	test.That(t, w.Length, test.ShouldEqual, 24)
	test.That(t, w.Rx, test.ShouldBeNil)
	test.That(t, w.Context, test.ShouldEqual, "w")

	r := spibus.NewRead(rx, "r")
	test.That(t, r.Length, test.ShouldEqual, 16)
	test.That(t, r.RxLength, test.ShouldEqual, 0)
	test.That(t, r.Tx, test.ShouldBeNil)

	both := spibus.NewBoth(tx, rx, "b")
	test.That(t, both.Length, test.ShouldEqual, 24)
	test.That(t, both.RxLength, test.ShouldEqual, 16)

	// Buffers are borrowed, never copied.
	tx[0] = 9
	test.That(t, w.Tx[0], test.ShouldEqual, byte(9))
	test.That(t, &both.Rx[0] == &rx[0], test.ShouldBeTrue)
}

func TestTransferValidation(t *testing.T) {
	h := &spibustest.Host{}
	l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)

	err := l.Write(make([]byte, busConfig.MaxTransferSize+1), true)
	test.That(t, errors.Is(err, spibus.ErrTooLarge), test.ShouldBeTrue)

	bad := spibus.NewWrite([]byte{1}, true)
	bad.Length = 16
	err = l.WithLock(func(d *spibus.Device[bool]) error { return d.Transfer(bad) })
	var g spibus.GenericError
	test.That(t, errors.As(err, &g), test.ShouldBeTrue)

	test.That(t, h.Count(spibustest.Transmit), test.ShouldEqual, 0)
	test.That(t, h.Count(spibustest.Release), test.ShouldEqual, h.Count(spibustest.Acquire))
}

func TestDescriptor(t *testing.T) {
	h := &spibustest.Host{}
	l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
	tr := spibus.NewWrite([]byte{0xAA, 0xBB}, true)
	tr.Cmd = 0x0102
	tr.Addr = 0x0304
	tr.Flags = 0x8
	err := l.WithLock(func(d *spibus.Device[bool]) error { return d.Transfer(tr) })
	test.That(t, err, test.ShouldBeNil)
	op := h.Ops[len(h.Ops)-2]
	test.That(t, op.Kind, test.ShouldEqual, spibustest.Transmit)
	test.That(t, op.Desc.Cmd, test.ShouldEqual, uint16(0x0102))
	test.That(t, op.Desc.Addr, test.ShouldEqual, uint64(0x0304))
	test.That(t, op.Desc.Flags, test.ShouldEqual, uint32(0x8))
	test.That(t, op.Desc.Length, test.ShouldEqual, 16)
	test.That(t, op.W, test.ShouldResemble, []byte{0xAA, 0xBB})
}

func TestSendRead(t *testing.T) {
	h := &spibustest.Host{}
	h.OnTransmit = func(cs int, d *spibus.Descriptor) error {
		d.Rx[0] = ^d.Tx[0]
		return nil
	}
	l, _ := spibus.AddDevice[struct{}](openBus(t, h), devConfig(5), nil, nil)
	test.That(t, l.Send(0x0F, struct{}{}), test.ShouldBeNil)
	w, err := l.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, byte(0xF0))

	// A failed exchange keeps the previous word.
	h.Fail = spibustest.Status(spibustest.Transmit, 1, 0x102)
	test.That(t, l.Send(0x00, struct{}{}), test.ShouldNotBeNil)
	w, _ = l.Read()
	test.That(t, w, test.ShouldEqual, byte(0xF0))
}

func TestConn(t *testing.T) {
	h := &spibustest.Host{}
	h.OnTransmit = func(cs int, d *spibus.Descriptor) error {
		for i := range d.Rx {
			d.Rx[i] = 0x5A
		}
		return nil
	}
	l, _ := spibus.AddDevice[bool](openBus(t, h), devConfig(5), nil, nil)
	var c conn.Conn = l.Conn(true)
	test.That(t, c.Duplex(), test.ShouldEqual, conn.Full)

	r := make([]byte, 2)
	test.That(t, c.Tx([]byte{1, 2}, r), test.ShouldBeNil)
	test.That(t, r, test.ShouldResemble, []byte{0x5A, 0x5A})
	test.That(t, c.Tx([]byte{3}, nil), test.ShouldBeNil)
	test.That(t, h.Writes(), test.ShouldResemble, [][]byte{{1, 2}, {3}})
	test.That(t, h.Count(spibustest.Acquire), test.ShouldEqual, 2)
	test.That(t, h.Count(spibustest.Release), test.ShouldEqual, 2)
}

func TestClose(t *testing.T) {
	h := &spibustest.Host{}
	b := openBus(t, h)
	l, _ := spibus.AddDevice[bool](b, devConfig(5), nil, nil)

	test.That(t, b.Close(), test.ShouldBeNil)
	test.That(t, errors.Is(b.Close(), spibus.ErrBusClosed), test.ShouldBeTrue)
	test.That(t, h.Count(spibustest.Free), test.ShouldEqual, 1)

	_, err := l.Lock()
	test.That(t, errors.Is(err, spibus.ErrBusClosed), test.ShouldBeTrue)
	_, err = spibus.AddDevice[bool](b, devConfig(6), nil, nil)
	test.That(t, errors.Is(err, spibus.ErrBusClosed), test.ShouldBeTrue)
}

func TestStatus(t *testing.T) {
	test.That(t, spibus.Status(0).Err(), test.ShouldBeNil)
	err := spibus.Status(0x105).Err()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldEqual, "spibus: platform status 261")

	be := &spibus.BusError{Op: "transmit", Err: errors.New("wire cut")}
	test.That(t, be.Code(), test.ShouldEqual, spibus.StatusFail)
	test.That(t, be.Error(), test.ShouldEqual, "spibus: transmit: wire cut")
}
