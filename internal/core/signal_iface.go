//go:generate mockgen -source=signal_iface.go -destination=mock/signal_mock.go -package=mock

package core

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking; it fails when the connection is gone or saturated.
	TrySend(f Frame) error
	Close()
}
