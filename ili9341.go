// Package ili9341 controls an ILI9341 TFT display controller via SPI.
//
// The ILI9341 drives up to 240x320 pixels in 16-bit RGB565. Common modules
// such as the M5Stack LCD are wired in landscape as 320x240.
//
// See the examples for how to use this package.
package ili9341

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/ili9341/rgb565"
	"periph.io/x/devices/v3/ili9341/spibus"
)

// MaxWidth is the widest supported display; the scan-line buffer holds one
// row of this many pixels.
const MaxWidth = 320

// Controller opcodes.
const (
	readDisplayID   = 0x04
	sleepOut        = 0x11
	gammaSet        = 0x26
	inversionOff    = 0x20
	inversionOn     = 0x21
	displayOff      = 0x28
	displayOn       = 0x29
	columnAddrSet   = 0x2A
	pageAddrSet     = 0x2B
	memoryWrite     = 0x2C
	memAccessCtl    = 0x36
	pixelFormatSet  = 0x3A
	frameRateCtl1   = 0xB1
	displayFuncCtl  = 0xB6
	powerCtl1       = 0xC0
	powerCtl2       = 0xC1
	vcomCtl1        = 0xC5
	vcomCtl2        = 0xC7
	positiveGamma   = 0xE0
	negativeGamma   = 0xE1
	madctlBGR       = 0x08
	resetPulseDelay = 150 * time.Millisecond
	sleepOutDelay   = 120 * time.Millisecond
)

// powerOnSequence is sent by Reset before leaving sleep mode.
var powerOnSequence = []struct {
	cmd  byte
	data []byte
}{
	{0xEF, []byte{0x03, 0x80, 0x02}},
	{0xCF, []byte{0x00, 0xC1, 0x30}},
	{0xED, []byte{0x64, 0x03, 0x12, 0x81}},
	{0xE8, []byte{0x85, 0x00, 0x78}},
	{0xCB, []byte{0x39, 0x2C, 0x00, 0x34, 0x02}},
	{0xF7, []byte{0x20}},
	{0xEA, []byte{0x00, 0x00}},
	{powerCtl1, []byte{0x23}},
	{powerCtl2, []byte{0x10}},
	{vcomCtl1, []byte{0x3E, 0x28}},
	{vcomCtl2, []byte{0x86}},
	{memAccessCtl, []byte{0xA8}},
	{pixelFormatSet, []byte{0x55}}, // 16 bits per pixel
	{frameRateCtl1, []byte{0x00, 0x13}},
	{displayFuncCtl, []byte{0x08, 0x82, 0x27}},
	{0xF2, []byte{0x00}}, // 3-gamma off
	{gammaSet, []byte{0x01}},
	{positiveGamma, []byte{0x0F, 0x31, 0x2B, 0x0C, 0x0E, 0x08, 0x4E, 0xF1, 0x37, 0x07, 0x10, 0x03, 0x0E, 0x09, 0x00}},
	{negativeGamma, []byte{0x00, 0x0E, 0x14, 0x03, 0x11, 0x07, 0x31, 0xC1, 0x48, 0x08, 0x0F, 0x0C, 0x31, 0x36, 0x0F}},
}

// ErrHalted is returned by drawing operations after Halt.
var ErrHalted = errors.New("ili9341: halted")

// Opts is the configuration for the ILI9341 display.
type Opts struct {
	// Display dimensions in pixels
	W int // Width (default: 320, at most MaxWidth)
	H int // Height (default: 240, at most 320)

	// ChipSelect names the controller chip-select when the cs pin passed to
	// NewSPI is nil, i.e. when the SPI controller drives it.
	ChipSelect int

	ClockHz     physic.Frequency // default: 20MHz
	LockTimeout time.Duration    // default: wait forever

	Logger *zap.Logger
}

// Dev is the device handle for the ILI9341 display.
type Dev struct {
	// Communication
	spi *spibus.DeviceBusLock[bool] // context: true for data, false for command
	dc  gpio.PinOut
	rst gpio.PinOut
	bl  gpio.PinOut
	cs  gpio.PinOut

	// dcErr is set by the pre-transfer callback when DC cannot be driven.
	dcErr error

	rect     image.Rectangle
	lineBuf  []byte // one scan line, MaxWidth*2 bytes
	maxBurst int

	// Differential updates for Draw
	next  *rgb565.Image
	last  []byte
	valid bool

	logger *zap.Logger
	sleep  func(time.Duration)
	halted bool
}

// NewSPI registers an ILI9341 on bus b.
//
// The four control pins are configured as outputs: DC high, RST low,
// backlight low and CS high. cs may be nil when the SPI controller drives the
// chip-select line.
//
// opts can be nil to use defaults (320x240 display).
func NewSPI(b *spibus.Bus, cs, dc, rst, bl gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &Opts{}
	}
	o := *opts
	if o.W == 0 && o.H == 0 {
		o.W, o.H = 320, 240
	}
	if o.W <= 0 || o.W > MaxWidth {
		return nil, fmt.Errorf("ili9341: width must be between 1 and %d", MaxWidth)
	}
	if o.H <= 0 || o.H > 320 {
		return nil, errors.New("ili9341: height must be between 1 and 320")
	}
	if o.ClockHz == 0 {
		o.ClockHz = 20 * physic.MegaHertz
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if dc == nil || rst == nil || bl == nil {
		return nil, errors.New("ili9341: dc, rst and bl pins are required")
	}
	// An address window parameter is 4 bytes and cannot be split.
	if b.Config().MaxTransferSize < 4 {
		return nil, errors.New("ili9341: bus max transfer size must be at least 4 bytes")
	}

	pins := []struct {
		name string
		p    gpio.PinOut
		l    gpio.Level
	}{
		{"DC", dc, gpio.High},
		{"RST", rst, gpio.Low},
		{"BL", bl, gpio.Low},
		{"CS", cs, gpio.High},
	}
	for _, pin := range pins {
		if pin.p == nil {
			continue
		}
		if err := pin.p.Out(pin.l); err != nil {
			return nil, fmt.Errorf("ili9341: failed to configure %s: %w", pin.name, err)
		}
	}

	d := &Dev{
		dc:       dc,
		rst:      rst,
		bl:       bl,
		cs:       cs,
		rect:     image.Rect(0, 0, o.W, o.H),
		lineBuf:  make([]byte, MaxWidth*2),
		maxBurst: b.Config().MaxTransferSize &^ 1,
		logger:   o.Logger,
		sleep:    time.Sleep,
	}

	chipSelect := o.ChipSelect
	if cs != nil {
		chipSelect = cs.Number()
	}
	dev, err := spibus.AddDevice(b, spibus.DeviceConfig{
		ChipSelect:  chipSelect,
		ClockSpeed:  o.ClockHz,
		Mode:        spi.Mode0,
		LockTimeout: o.LockTimeout,
	}, d.setDC, nil)
	if err != nil {
		return nil, err
	}
	d.spi = dev
	return d, nil
}

// setDC drives the data/command line ahead of each transfer.
func (d *Dev) setDC(data bool) {
	if err := d.dc.Out(gpio.Level(data)); err != nil {
		d.dcErr = err
	}
}

// send performs one write on a locked device.
func (d *Dev) send(dev *spibus.Device[bool], p []byte, data bool) error {
	d.dcErr = nil
	if err := dev.Transfer(spibus.NewWrite(p, data)); err != nil {
		return err
	}
	if err := d.dcErr; err != nil {
		d.dcErr = nil
		d.logger.Warn("data/command line failed", zap.Error(err))
		return fmt.Errorf("ili9341: failed to drive DC: %w", err)
	}
	return nil
}

// Reset pulses the reset line and runs the power-on sequence, then turns the
// panel and backlight on. The first failing command aborts the sequence and
// its error is returned as is.
func (d *Dev) Reset() error {
	if err := d.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("ili9341: failed to pull RST low: %w", err)
	}
	d.sleep(resetPulseDelay)
	if err := d.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: failed to pull RST high: %w", err)
	}
	d.sleep(resetPulseDelay)

	for _, s := range powerOnSequence {
		if err := d.WriteCommandWithData(s.cmd, s.data); err != nil {
			return err
		}
	}
	if err := d.WriteCommand(sleepOut); err != nil {
		return err
	}
	d.sleep(sleepOutDelay)
	if err := d.WriteCommand(displayOn); err != nil {
		return err
	}
	if err := d.WriteCommandWithData(memAccessCtl, []byte{madctlBGR}); err != nil {
		return err
	}
	if err := d.bl.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: failed to turn on backlight: %w", err)
	}
	d.halted = false
	d.valid = false
	d.logger.Debug("display reset", zap.Stringer("dev", d))
	return nil
}

// WriteCommand sends a single command byte.
func (d *Dev) WriteCommand(cmd byte) error {
	return d.spi.WithLock(func(dev *spibus.Device[bool]) error {
		return d.send(dev, []byte{cmd}, false)
	})
}

// WriteData sends data bytes.
func (d *Dev) WriteData(p []byte) error {
	return d.spi.WithLock(func(dev *spibus.Device[bool]) error {
		return d.send(dev, p, true)
	})
}

// WriteCommandWithData sends a command followed by its parameters while
// holding the bus once.
func (d *Dev) WriteCommandWithData(cmd byte, p []byte) error {
	return d.spi.WithLock(func(dev *spibus.Device[bool]) error {
		if err := d.send(dev, []byte{cmd}, false); err != nil {
			return err
		}
		if len(p) == 0 {
			return nil
		}
		return d.send(dev, p, true)
	})
}

// SetColumnAddress sets the column range of the address window.
func (d *Dev) SetColumnAddress(start, end uint16) error {
	return d.WriteCommandWithData(columnAddrSet, addressPair(start, end))
}

// SetPageAddress sets the page (row) range of the address window.
func (d *Dev) SetPageAddress(start, end uint16) error {
	return d.WriteCommandWithData(pageAddrSet, addressPair(start, end))
}

// StartMemoryWrite starts writing pixel data into the address window.
func (d *Dev) StartMemoryWrite() error {
	return d.WriteCommand(memoryWrite)
}

func addressPair(start, end uint16) []byte {
	return []byte{byte(start >> 8), byte(start), byte(end >> 8), byte(end)}
}

// setWindow selects the rectangle [x0, x1]x[y0, y1] and starts a memory
// write.
func (d *Dev) setWindow(x0, y0, x1, y1 int) error {
	if err := d.SetColumnAddress(uint16(x0), uint16(x1)); err != nil {
		return err
	}
	if err := d.SetPageAddress(uint16(y0), uint16(y1)); err != nil {
		return err
	}
	return d.StartMemoryWrite()
}

// writePixels sends one pixel burst, split at the bus transfer limit.
func (d *Dev) writePixels(p []byte) error {
	return d.spi.WithLock(func(dev *spibus.Device[bool]) error {
		for len(p) > 0 {
			n := min(len(p), d.maxBurst)
			if err := d.send(dev, p[:n], true); err != nil {
				return err
			}
			p = p[n:]
		}
		return nil
	})
}

// ReadID reads the three display identification bytes.
func (d *Dev) ReadID() ([3]byte, error) {
	var id [3]byte
	err := d.spi.WithLock(func(dev *spibus.Device[bool]) error {
		if err := d.send(dev, []byte{readDisplayID}, false); err != nil {
			return err
		}
		return dev.Transfer(spibus.NewRead(id[:], true))
	})
	return id, err
}

// FillRect fills the rectangle with corners (x0, y0) and (x1, y1), both
// inclusive, with c. The rectangle is clipped to the display.
func (d *Dev) FillRect(x0, y0, x1, y1 int, c rgb565.Color) error {
	if d.halted {
		return ErrHalted
	}
	if x1 < x0 || y1 < y0 {
		return nil
	}
	x1 = min(x1, d.rect.Max.X-1)
	y1 = min(y1, d.rect.Max.Y-1)
	r := image.Rect(x0, y0, x1+1, y1+1).Intersect(d.rect)
	if x1 < x0 || y1 < y0 || r.Empty() {
		return nil
	}
	w := r.Dx()
	hi, lo := c.Bytes()
	for i := 0; i < w; i++ {
		d.lineBuf[2*i], d.lineBuf[2*i+1] = hi, lo
	}
	d.valid = false
	if err := d.setWindow(r.Min.X, r.Min.Y, r.Max.X-1, r.Max.Y-1); err != nil {
		return err
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		if err := d.writePixels(d.lineBuf[:2*w]); err != nil {
			return err
		}
	}
	return nil
}

// ColorModel returns the color model of the display.
func (d *Dev) ColorModel() color.Model {
	return rgb565.Model
}

// Bounds returns the image bounds of the display.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Draw draws an image onto the display. Only pixels that differ from the
// previous Draw are sent; they are coalesced into runs by DrawPixels.
func (d *Dev) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	if d.halted {
		return ErrHalted
	}

	// Clip to display bounds
	dst = dst.Intersect(d.rect)
	if dst.Empty() {
		return nil
	}

	// Lazy-initialize double buffer
	if d.next == nil {
		d.next = rgb565.NewImage(d.rect)
		d.last = make([]byte, len(d.next.Pix))
	}
	draw.Draw(d.next, dst, src, sp, draw.Src)

	// Until a Draw succeeds the panel may differ from next anywhere, so the
	// whole frame is sent.
	area := dst
	if !d.valid {
		area = d.rect
	}
	if err := d.drawPixels(d.changed(area)); err != nil {
		d.valid = false
		return err
	}
	copy(d.last, d.next.Pix)
	d.valid = true
	return nil
}

// Invert inverts the display colors.
func (d *Dev) Invert(invert bool) error {
	if d.halted {
		return ErrHalted
	}
	cmd := byte(inversionOff)
	if invert {
		cmd = inversionOn
	}
	return d.WriteCommand(cmd)
}

// Halt turns the panel and the backlight off. Reset turns them back on.
func (d *Dev) Halt() error {
	d.halted = true
	if err := d.WriteCommand(displayOff); err != nil {
		return err
	}
	if err := d.bl.Out(gpio.Low); err != nil {
		return fmt.Errorf("ili9341: failed to turn off backlight: %w", err)
	}
	return nil
}

// String returns a string representation of the device.
func (d *Dev) String() string {
	return fmt.Sprintf("ili9341.Dev{%dx%d}", d.rect.Dx(), d.rect.Dy())
}

var _ display.Drawer = &Dev{}
