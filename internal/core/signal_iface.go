package core

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Notify queues an event without blocking. It returns ErrBackpressure
	// when the peer does not keep up.
	Notify(method string, params any) error
	Close()
}
