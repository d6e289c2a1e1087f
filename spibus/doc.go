// Package spibus arbitrates access to a shared SPI bus.
//
// A Bus is opened once per physical bus on top of a Host, the platform layer
// that owns the registers. Devices are registered with AddDevice, which
// returns the only handle to them: a DeviceBusLock. Every transfer happens
// while the bus is held through a Guard obtained from Lock, and the guard
// releases the bus exactly once:
//
//	lcd, err := spibus.AddDevice(bus, cfg, func(dc bool) { dcPin.Out(gpio.Level(dc)) }, nil)
//	if err != nil {
//		return err
//	}
//	err = lcd.WithLock(func(d *spibus.Device[bool]) error {
//		return d.Transfer(spibus.NewWrite([]byte{0x2C}, false))
//	})
//
// The context value carried by a Transaction is handed to the device's pre
// and post callbacks around the physical transfer. Drivers use it to toggle
// an auxiliary control line, such as the data/command select of a display
// controller, in lock-step with each transfer.
//
// Lock waits without bound unless DeviceConfig.LockTimeout is set.
package spibus
