package spibus

import "time"

// Host is the platform layer of one physical bus.
//
// A nil error means success. Implementations may return a Status to expose
// the platform code through BusError.Code.
type Host interface {
	BusInitialize(cfg BusConfig, dmaChannel int) error
	BusAddDevice(cfg DeviceConfig) (DeviceHandle, error)
	BusFree() error
}

// DeviceHandle is the platform registration of one device.
type DeviceHandle interface {
	// AcquireBus takes the bus for this device. A timeout of zero waits
	// forever.
	AcquireBus(timeout time.Duration) error
	ReleaseBus() error
	// PollingTransmit blocks until the transfer completes or fails.
	PollingTransmit(d *Descriptor) error
}

// Descriptor is the low-level form of a Transaction handed to the platform.
type Descriptor struct {
	Flags    uint32
	Cmd      uint16
	Addr     uint64
	Length   int // bits
	RxLength int // bits, 0 means Length
	Tx       []byte
	Rx       []byte
}
