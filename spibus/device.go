package spibus

// Device is a peripheral registered on a bus. It is only reachable through
// the Guard of its DeviceBusLock.
type Device[C any] struct {
	handle DeviceHandle
	cfg    DeviceConfig
	maxLen int

	pre  func(C)
	post func(C)

	lastWord byte
}

// Config returns the resolved device configuration.
func (d *Device[C]) Config() DeviceConfig {
	return d.cfg
}

// Transfer performs exactly one physical transfer.
//
// The pre callback fires immediately before the transfer and the post
// callback immediately after it, both with t.Context. post also fires when
// the platform reports a failure so that a line driven by pre can be
// restored.
func (d *Device[C]) Transfer(t Transaction[C]) error {
	if err := t.validate(d.maxLen); err != nil {
		return err
	}
	desc := t.descriptor()
	d.pre(t.Context)
	err := d.handle.PollingTransmit(&desc)
	d.post(t.Context)
	return busErr("transmit", err)
}

// Exchange sends one byte while receiving one; the received byte is kept
// for LastWord.
func (d *Device[C]) Exchange(word byte, ctx C) error {
	tx := [1]byte{word}
	var rx [1]byte
	if err := d.Transfer(NewBoth(tx[:], rx[:], ctx)); err != nil {
		return err
	}
	d.lastWord = rx[0]
	return nil
}

// LastWord returns the byte received by the last successful Exchange.
func (d *Device[C]) LastWord() byte {
	return d.lastWord
}
