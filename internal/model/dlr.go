package model

import "time"

// DeliveryState is the gateway's vocabulary for final delivery outcomes.
type DeliveryState string

const (
	DeliveryDelivered   DeliveryState = "delivered"
	DeliveryUndelivered DeliveryState = "undelivered"
	DeliveryExpired     DeliveryState = "expired"
	DeliveryRejected    DeliveryState = "rejected"
)

// DeliveryReport is the webhook payload the gateway posts per message (DLR).
// Redeliveries of the same report must be no-ops.
type DeliveryReport struct {
	GatewayMessageID string        `json:"gatewayMessageId"`
	DeliveryState    DeliveryState `json:"deliveryState"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Final maps a gateway delivery state onto the message status it settles
// to, or "" when the state is not terminal for us.
func (s DeliveryState) Final() MessageStatus {
	switch s {
	case DeliveryDelivered:
		return StatusDelivered
	case DeliveryUndelivered, DeliveryExpired, DeliveryRejected:
		return StatusFailed
	default:
		return ""
	}
}
