// internal/model/status.go
package model

type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusSending      DeliveryStatus = "sending"
	StatusAccepted     DeliveryStatus = "accepted"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusBounced      DeliveryStatus = "bounced"
	StatusOpened       DeliveryStatus = "opened"
	StatusClicked      DeliveryStatus = "clicked"
	StatusUnsubscribed DeliveryStatus = "unsubscribed"
	StatusFailed       DeliveryStatus = "failed"
)

// AllStatuses lists every delivery status in lifecycle order.
var AllStatuses = []DeliveryStatus{
	StatusPending, StatusSending, StatusFailed, StatusAccepted,
	StatusDelivered, StatusOpened, StatusClicked, StatusBounced, StatusUnsubscribed,
}

// Sent reports whether the provider accepted the message at some point.
func (s DeliveryStatus) Sent() bool {
	switch s {
	case StatusAccepted, StatusDelivered, StatusOpened, StatusClicked, StatusBounced, StatusUnsubscribed:
		return true
	}
	return false
}

// BeforeAccepted reports whether the record is still owned by the dispatcher.
func (s DeliveryStatus) BeforeAccepted() bool {
	switch s {
	case StatusPending, StatusSending, StatusFailed:
		return true
	}
	return false
}

// Engaged reports the statuses an unsubscribe may apply from.
func (s DeliveryStatus) Engaged() bool {
	switch s {
	case StatusAccepted, StatusDelivered, StatusOpened, StatusClicked:
		return true
	}
	return false
}

// dispatchTransitions are the moves the dispatcher side may make.
var dispatchTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending: {StatusSending},
	StatusFailed:  {StatusSending, StatusPending},
	StatusSending: {StatusAccepted, StatusFailed, StatusPending},
}

// CanDispatchTransition reports whether from -> to is a legal dispatcher move.
func CanDispatchTransition(from, to DeliveryStatus) bool {
	for _, s := range dispatchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// webhookTransitions maps (current status, event) to the next status. The
// implied entries cover a missed delivery or open confirmation.
var webhookTransitions = map[DeliveryStatus]map[EventType]DeliveryStatus{
	StatusAccepted: {
		EventDelivered:    StatusDelivered,
		EventBounced:      StatusBounced,
		EventOpened:       StatusOpened,
		EventClicked:      StatusClicked,
		EventUnsubscribed: StatusUnsubscribed,
	},
	StatusDelivered: {
		EventOpened:       StatusOpened,
		EventClicked:      StatusClicked,
		EventUnsubscribed: StatusUnsubscribed,
	},
	StatusOpened: {
		EventOpened:       StatusOpened,
		EventClicked:      StatusClicked,
		EventUnsubscribed: StatusUnsubscribed,
	},
	StatusClicked: {
		EventClicked:      StatusClicked,
		EventUnsubscribed: StatusUnsubscribed,
	},
}

// NextStatus returns the status a webhook event moves a record to, or false
// when the move is not in the table.
func NextStatus(from DeliveryStatus, ev EventType) (DeliveryStatus, bool) {
	next, ok := webhookTransitions[from][ev]
	return next, ok
}
