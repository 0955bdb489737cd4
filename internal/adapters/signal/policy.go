package signal

import "github.com/dkeye/roomsfu/internal/domain"

type BackpressureAction int

const (
	// DropFrame discards the frame that did not fit and keeps the channel.
	DropFrame BackpressureAction = iota
	// KickClient closes the channel, which tears the client down.
	KickClient
)

// Policy decides what happens when a channel's outbound queue is full.
type Policy interface {
	OnBackpressure(id domain.ClientID) BackpressureAction
}

// KickPolicy closes channels that cannot keep up.
type KickPolicy struct{}

func (KickPolicy) OnBackpressure(domain.ClientID) BackpressureAction { return KickClient }

// DropPolicy only drops frames.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.ClientID) BackpressureAction { return DropFrame }
