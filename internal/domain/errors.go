package domain

import "errors"

var (
	// ErrDeliveryNotFound is returned when a delivery lookup finds no row
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrSubscriptionNotFound is returned when a subscription lookup finds no row
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrDeliveryAlreadySucceeded rejects manual requeue of a succeeded delivery
	ErrDeliveryAlreadySucceeded = errors.New("delivery already succeeded")
)
