// Package ili9341 controls an ILI9341 TFT display via SPI.
//
// The ILI9341 is a 16-bit RGB565 TFT controller driving up to 240×320 pixels.
// This driver implements the display.Drawer interface from periph.io and
// shares its SPI bus with other devices through package spibus.
//
// # Display Characteristics
//
// - 16-bit color (5 bits red, 6 bits green, 5 bits blue)
// - 320×240 in landscape, the orientation set by Reset
// - Address windows for partial updates
// - Display inversion
// - Separate backlight control
//
// # Hardware Connection
//
// Connect the ILI9341 display to your system via SPI:
//
//	Display Pin → System Pin
//	GND         → GND
//	VCC         → 3.3V
//	SCK         → SPI Clock (SCLK)
//	SDI/MOSI    → SPI Data (MOSI)
//	SDO/MISO    → SPI Data (MISO), only needed for ReadID
//	DC          → GPIO (any available pin)
//	CS          → SPI Chip Select
//	RESET       → GPIO
//	LED         → GPIO (backlight)
//
// # Bus Sharing
//
// The display is one device on a spibus.Bus. Every command, command with
// parameters or pixel burst holds the bus for its own duration only, so other
// devices on the same bus (an SD card on M5Stack boards, for example) can be
// served between them.
//
//	h := periphhost.New(0, logger)
//	bus, _ := spibus.Open(h, spibus.BusConfig{
//		MOSI:            10,
//		MISO:            9,
//		SCLK:            11,
//		QuadWP:          spibus.NoPin,
//		QuadHD:          spibus.NoPin,
//		MaxTransferSize: 4096,
//	}, 1, nil)
//
// # Basic Usage
//
//	dc := gpioreg.ByName("GPIO25")
//	rst := gpioreg.ByName("GPIO24")
//	bl := gpioreg.ByName("GPIO18")
//
//	dev, _ := ili9341.NewSPI(bus, nil, dc, rst, bl, &ili9341.Opts{
//		ChipSelect: 0,
//	})
//	defer dev.Halt()
//
//	if err := dev.Reset(); err != nil {
//		log.Fatal(err)
//	}
//
//	// Clear the screen
//	dev.FillRect(0, 0, 319, 239, rgb565.Black)
//
//	// Draw any image.Image; only changed pixels are sent
//	dev.Draw(dev.Bounds(), img, image.Point{})
//
// # Drawing Modes
//
// ## Rectangles
//
// FillRect paints a solid rectangle. Both corners are inclusive, so
// FillRect(0, 0, 3, 0, c) paints four pixels.
//
// ## Pixel Streams
//
// DrawPixels accepts any iter.Seq[Pixel]. Runs of horizontally adjacent
// pixels on one row are coalesced into a single address window and burst:
//
//	dev.DrawPixels(slices.Values([]ili9341.Pixel{
//		{Point: image.Pt(10, 10), C: rgb565.Red},
//		{Point: image.Pt(11, 10), C: rgb565.Red},
//		{Point: image.Pt(40, 10), C: rgb565.Blue}, // starts a new run
//	}))
//
// ## Differential Updates
//
// Draw keeps a copy of the last frame and streams only the pixels that
// changed through DrawPixels. After FillRect, a direct DrawPixels call or a
// failed Draw, the next Draw sends the whole frame.
//
// # Colors
//
// Standard Go colors are truncated to RGB565. The reduced rgb565.Mono and
// rgb565.Gray8 colors are mapped with zero to black and any other value to
// white.
//
// # Errors
//
// Errors from the bus, such as *spibus.LockError or *spibus.BusError, are
// returned unchanged. A failing step of a sequence stops it.
//
// # Datasheet
//
// https://cdn-shop.adafruit.com/datasheets/ILI9341.pdf
package ili9341
