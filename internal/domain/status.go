package domain

// DeliveryStatus is the lifecycle state of a webhook delivery
type DeliveryStatus string

const (
	// DeliveryStatusReceived is the initial state right after construction,
	// before the delivery has been made visible to the dispatcher
	DeliveryStatusReceived DeliveryStatus = "received"
	// DeliveryStatusPublished marks the delivery as eligible for claim
	DeliveryStatusPublished DeliveryStatus = "published"
	// DeliveryStatusProcessing marks the delivery as claimed by a dispatcher;
	// never a stable rest state (see the stale-processing reclaim)
	DeliveryStatusProcessing DeliveryStatus = "processing"
	// DeliveryStatusSucceeded is terminal: the receiver answered 2xx
	DeliveryStatusSucceeded DeliveryStatus = "succeeded"
	// DeliveryStatusFailed marks a delivery awaiting its next retry
	DeliveryStatusFailed DeliveryStatus = "failed"
	// DeliveryStatusDead is terminal: retries exhausted or unrecoverable
	DeliveryStatusDead DeliveryStatus = "dead"
)

// Terminal reports whether no further automatic transitions apply
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSucceeded || s == DeliveryStatusDead
}

// Valid reports whether s is one of the known statuses
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusReceived, DeliveryStatusPublished, DeliveryStatusProcessing,
		DeliveryStatusSucceeded, DeliveryStatusFailed, DeliveryStatusDead:
		return true
	}
	return false
}
