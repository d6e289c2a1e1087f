package spibus

// Transaction describes one transfer. It borrows its buffers; they must stay
// valid and unaliased until Transfer returns.
type Transaction[C any] struct {
	Flags uint32
	Cmd   uint16
	Addr  uint64

	// Length is the transfer length in bits.
	Length int
	// RxLength is the receive length in bits. It is only meaningful when Rx
	// is set; zero means the same as Length.
	RxLength int

	Tx []byte
	Rx []byte

	// Context is handed to the device callbacks.
	Context C
}

// NewWrite returns a write-only transaction sending tx.
func NewWrite[C any](tx []byte, ctx C) Transaction[C] {
	return Transaction[C]{
		Length:  len(tx) * 8,
		Tx:      tx,
		Context: ctx,
	}
}

// NewRead returns a read-only transaction filling rx.
func NewRead[C any](rx []byte, ctx C) Transaction[C] {
	return Transaction[C]{
		Length:   len(rx) * 8,
		RxLength: 0,
		Rx:       rx,
		Context:  ctx,
	}
}

// NewBoth returns a full-duplex transaction sending tx while filling rx.
func NewBoth[C any](tx, rx []byte, ctx C) Transaction[C] {
	return Transaction[C]{
		Length:   len(tx) * 8,
		RxLength: len(rx) * 8,
		Tx:       tx,
		Rx:       rx,
		Context:  ctx,
	}
}

func (t *Transaction[C]) descriptor() Descriptor {
	return Descriptor{
		Flags:    t.Flags,
		Cmd:      t.Cmd,
		Addr:     t.Addr,
		Length:   t.Length,
		RxLength: t.RxLength,
		Tx:       t.Tx,
		Rx:       t.Rx,
	}
}

// validate checks the lengths against the buffers and the bus limit in bytes.
func (t *Transaction[C]) validate(max int) error {
	if t.Length < 0 || t.RxLength < 0 {
		return GenericError("spibus: negative transaction length")
	}
	if t.Tx != nil && t.Length > len(t.Tx)*8 {
		return GenericError("spibus: length exceeds send buffer")
	}
	rx := t.RxLength
	if rx == 0 {
		rx = t.Length
	}
	if t.Rx != nil && rx > len(t.Rx)*8 {
		return GenericError("spibus: receive length exceeds receive buffer")
	}
	if max > 0 && (t.Length+7)/8 > max {
		return ErrTooLarge
	}
	return nil
}
