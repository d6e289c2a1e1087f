package ili9341

import (
	"image"
	"image/color"
	"iter"

	"periph.io/x/devices/v3/ili9341/rgb565"
)

// Pixel is one colored point.
type Pixel struct {
	image.Point
	C color.Color
}

// run is a horizontal span of consecutive pixels on one row.
type run struct {
	buf   []byte
	n     int
	x0, y int
	lastX int
}

// DrawPixels writes arbitrary pixels.
//
// Pixels outside the display are skipped. Consecutive pixels on the same row
// with increasing x are coalesced into one window and sent as a single
// burst; a gap, a change of row or a full scan line ends the run. Colors are
// normalized with rgb565.Normalize.
func (d *Dev) DrawPixels(pixels iter.Seq[Pixel]) error {
	if d.halted {
		return ErrHalted
	}
	// The next Draw can no longer trust its copy of the panel.
	d.valid = false
	return d.drawPixels(pixels)
}

func (d *Dev) drawPixels(pixels iter.Seq[Pixel]) error {
	r := run{buf: d.lineBuf}
	for p := range pixels {
		if !p.In(d.rect) {
			continue
		}
		if r.n > 0 && (p.Y != r.y || p.X != r.lastX+1 || 2*r.n == len(r.buf)) {
			if err := d.flush(&r); err != nil {
				return err
			}
		}
		if r.n == 0 {
			r.x0, r.y = p.X, p.Y
		}
		r.buf[2*r.n], r.buf[2*r.n+1] = rgb565.Normalize(p.C).Bytes()
		r.n++
		r.lastX = p.X
	}
	return d.flush(&r)
}

// flush sends the pending run, if any.
func (d *Dev) flush(r *run) error {
	if r.n == 0 {
		return nil
	}
	n := r.n
	r.n = 0
	if err := d.setWindow(r.x0, r.y, r.lastX, r.y); err != nil {
		return err
	}
	return d.writePixels(r.buf[:2*n])
}

// changed yields the pixels of r that differ from the previous frame, row by
// row. Every pixel is yielded when the previous frame is unknown.
func (d *Dev) changed(r image.Rectangle) iter.Seq[Pixel] {
	return func(yield func(Pixel) bool) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				i := d.next.PixOffset(x, y)
				if d.valid && d.next.Pix[i] == d.last[i] && d.next.Pix[i+1] == d.last[i+1] {
					continue
				}
				if !yield(Pixel{image.Point{X: x, Y: y}, d.next.RGB565At(x, y)}) {
					return
				}
			}
		}
	}
}
