// Package rgb565 provides the 16-bit color format of ILI9341 class display
// controllers.
//
// A pixel is 5 bits of red, 6 bits of green and 5 bits of blue packed in a
// uint16 and sent most significant byte first:
//
//	Color:  0xF800 (red)
//	Bits:   RRRRR GGGGGG BBBBB
//	Bytes:  0xF8 0x00
//
// This package provides:
//
// - Color: the native pixel value
// - Model: a color model converting standard Go colors to Color
// - Mono and Gray8: reduced representations normalized with a lossy mapping
// where any non-zero value becomes white
// - Image: an image.Image whose Pix is the wire format
//
// Example usage:
//
//	img := rgb565.NewImage(image.Rect(0, 0, 320, 240))
//	img.SetRGB565(10, 20, rgb565.Red)
//	c := img.RGB565At(10, 20) // 0xF800
//
//	// Reduced colors are normalized, not scaled.
//	rgb565.Normalize(rgb565.Gray8(1)) // rgb565.White
package rgb565
