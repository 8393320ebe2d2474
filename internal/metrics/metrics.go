// Package metrics defines the counters the ledger core reports and the
// backends that receive them.
package metrics

// Collector receives ledger events worth counting. Implementations must be
// safe for concurrent use.
type Collector interface {
	// Transaction workflow; outcome is approved, rejected or failed
	RecordTransition(kind, outcome string)

	// Trade fan-out
	RecordCopyTrade(mode string)
	RecordFanOutFailure()

	// Side channels
	RecordNotification(delivered bool)
	RecordNotificationDropped()
	RecordPushDropped()
}

// NoOpCollector discards everything. It is the default when no backend is
// configured.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransition(kind, outcome string) {}
func (NoOpCollector) RecordCopyTrade(mode string)           {}
func (NoOpCollector) RecordFanOutFailure()                  {}
func (NoOpCollector) RecordNotification(delivered bool)     {}
func (NoOpCollector) RecordNotificationDropped()            {}
func (NoOpCollector) RecordPushDropped()                    {}
