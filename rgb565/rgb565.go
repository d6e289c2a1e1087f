package rgb565

import (
	"image"
	"image/color"
)

// Color is a 5-6-5 packed RGB color.
type Color uint16

// Common colors.
const (
	Black Color = 0x0000
	White Color = 0xFFFF
	Red   Color = 0xF800
	Green Color = 0x07E0
	Blue  Color = 0x001F
)

// RGBA implements color.Color. Each channel is scaled to 16 bits by bit
// replication.
func (c Color) RGBA() (r, g, b, a uint32) {
	r5 := uint32(c>>11) & 0x1F
	g6 := uint32(c>>5) & 0x3F
	b5 := uint32(c) & 0x1F
	r8 := r5<<3 | r5>>2
	g8 := g6<<2 | g6>>4
	b8 := b5<<3 | b5>>2
	return r8 * 0x101, g8 * 0x101, b8 * 0x101, 0xFFFF
}

// Bytes returns the wire encoding, most significant byte first.
func (c Color) Bytes() (hi, lo byte) {
	return byte(c >> 8), byte(c)
}

// FromRGB packs 8-bit channels.
func FromRGB(r, g, b uint8) Color {
	return Color(uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b)>>3)
}

// Mono is a single-bit color. Any non-zero value is "on".
type Mono uint8

// RGBA implements color.Color.
func (c Mono) RGBA() (r, g, b, a uint32) {
	return Normalize(c).RGBA()
}

// Gray8 is an 8-bit gray level. On this display it is normalized like Mono:
// zero is black, anything else is white.
type Gray8 uint8

// RGBA implements color.Color.
func (c Gray8) RGBA() (r, g, b, a uint32) {
	return Normalize(c).RGBA()
}

// Normalize converts c to the native encoding. Mono and Gray8 use the fixed
// lossy mapping; other colors are truncated to 5-6-5.
func Normalize(c color.Color) Color {
	switch v := c.(type) {
	case Color:
		return v
	case Mono:
		if v == 0 {
			return Black
		}
		return White
	case Gray8:
		if v == 0 {
			return Black
		}
		return White
	}
	r, g, b, _ := c.RGBA()
	return FromRGB(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// Model converts colors to Color.
var Model = color.ModelFunc(func(c color.Color) color.Color { return Normalize(c) })

// Image is an RGB565 image stored in wire order, 2 bytes per pixel.
type Image struct {
	Pix    []byte          // Pixel data, big-endian
	Stride int             // Bytes per row
	Rect   image.Rectangle // Image bounds
}

// NewImage returns an Image with the given bounds.
func NewImage(r image.Rectangle) *Image {
	w, h := r.Dx(), r.Dy()
	if w < 0 || h < 0 {
		return &Image{Rect: r}
	}
	return &Image{
		Pix:    make([]byte, 2*w*h),
		Stride: 2 * w,
		Rect:   r,
	}
}

// ColorModel returns the color model of the image.
func (p *Image) ColorModel() color.Model {
	return Model
}

// Bounds returns the image bounds.
func (p *Image) Bounds() image.Rectangle {
	return p.Rect
}

// At returns the color of the pixel at (x, y).
func (p *Image) At(x, y int) color.Color {
	return p.RGB565At(x, y)
}

// RGB565At returns the Color of the pixel at (x, y).
func (p *Image) RGB565At(x, y int) Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return Black
	}
	i := p.PixOffset(x, y)
	return Color(p.Pix[i])<<8 | Color(p.Pix[i+1])
}

// Set sets the color of the pixel at (x, y).
func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGB565(x, y, Normalize(c))
}

// SetRGB565 sets the Color of the pixel at (x, y).
func (p *Image) SetRGB565(x, y int, c Color) {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return
	}
	i := p.PixOffset(x, y)
	p.Pix[i], p.Pix[i+1] = c.Bytes()
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}
