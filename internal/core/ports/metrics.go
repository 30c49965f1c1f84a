package ports

import "time"

// MetricsRecorder receives service-level measurements.
type MetricsRecorder interface {
	SessionOpened()
	SessionClosed()
	PeerAttached()
	PeerDetached()
	UpdateApplied(bytes int)
	UpdateRejected(reason string)
	AwarenessRelayed()
	FrameDropped(kind string)
	PermissionLookup(result string)
	RevocationDelivered(kind string)
	PersistCompleted(duration time.Duration, err error)
	ChangeEventReceived(table string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionOpened()                        {}
func (NopMetrics) SessionClosed()                        {}
func (NopMetrics) PeerAttached()                         {}
func (NopMetrics) PeerDetached()                         {}
func (NopMetrics) UpdateApplied(int)                     {}
func (NopMetrics) UpdateRejected(string)                 {}
func (NopMetrics) AwarenessRelayed()                     {}
func (NopMetrics) FrameDropped(string)                   {}
func (NopMetrics) PermissionLookup(string)               {}
func (NopMetrics) RevocationDelivered(string)            {}
func (NopMetrics) PersistCompleted(time.Duration, error) {}
func (NopMetrics) ChangeEventReceived(string)            {}
