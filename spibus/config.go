package spibus

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// NoPin marks an optional pin as unconnected.
const NoPin = -1

// BusConfig is the bus-wide configuration. It is immutable once the bus is
// opened.
type BusConfig struct {
	MOSI int // Data out
	MISO int // Data in
	SCLK int // Clock

	// Optional quad-mode lines, NoPin if unused.
	QuadWP int
	QuadHD int

	// MaxTransferSize bounds the largest single burst in bytes.
	MaxTransferSize int
}

// Validate checks that pins are distinct non-negative indices and that the
// maximum transfer size is usable.
func (c *BusConfig) Validate() error {
	seen := map[int]string{}
	pins := []struct {
		name     string
		n        int
		optional bool
	}{
		{"mosi", c.MOSI, false},
		{"miso", c.MISO, false},
		{"sclk", c.SCLK, false},
		{"quadwp", c.QuadWP, true},
		{"quadhd", c.QuadHD, true},
	}
	for _, p := range pins {
		if p.optional && p.n == NoPin {
			continue
		}
		if p.n < 0 {
			return GenericError(fmt.Sprintf("spibus: %s pin %d is negative", p.name, p.n))
		}
		if other, ok := seen[p.n]; ok {
			return GenericError(fmt.Sprintf("spibus: %s and %s share pin %d", other, p.name, p.n))
		}
		seen[p.n] = p.name
	}
	if c.MaxTransferSize <= 0 {
		return GenericError("spibus: max transfer size must be positive")
	}
	return nil
}

// DeviceConfig describes one device on the bus. It is owned by the Device and
// immutable after registration.
type DeviceConfig struct {
	// ChipSelect is the chip-select pin, NoPin if the device is always
	// selected.
	ChipSelect int
	ClockSpeed physic.Frequency
	// Mode is one of spi.Mode0 to spi.Mode3.
	Mode spi.Mode

	CommandBits uint8
	AddressBits uint8
	DummyBits   uint8

	// QueueSize defaults to 8.
	QueueSize int

	// LockTimeout bounds Lock. Zero waits forever.
	LockTimeout time.Duration
}

const defaultQueueSize = 8

// Validate checks the configuration.
func (c *DeviceConfig) Validate() error {
	if c.ChipSelect < NoPin {
		return GenericError(fmt.Sprintf("spibus: invalid chip-select pin %d", c.ChipSelect))
	}
	if c.ClockSpeed <= 0 {
		return GenericError("spibus: clock speed must be positive")
	}
	switch c.Mode {
	case spi.Mode0, spi.Mode1, spi.Mode2, spi.Mode3:
	default:
		return GenericError(fmt.Sprintf("spibus: unsupported mode %v", c.Mode))
	}
	if c.CommandBits > 16 {
		return GenericError("spibus: command phase is at most 16 bits")
	}
	if c.AddressBits > 64 {
		return GenericError("spibus: address phase is at most 64 bits")
	}
	if c.QueueSize < 0 || c.LockTimeout < 0 {
		return GenericError("spibus: negative queue size or lock timeout")
	}
	return nil
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}
