package domain

import "time"

// Event types published to the downstream notification sink.
const (
	EventTransactionInitiated = "transaction.initiated"
	EventTransactionCompleted = "transaction.completed"
	EventTransactionFailed    = "transaction.failed"

	EventScheduledCreated   = "scheduled_transfer.created"
	EventScheduledPaused    = "scheduled_transfer.paused"
	EventScheduledResumed   = "scheduled_transfer.resumed"
	EventScheduledCancelled = "scheduled_transfer.cancelled"
	EventScheduledUpdated   = "scheduled_transfer.updated"
	EventScheduledExecuted  = "scheduled_transfer.executed"
	EventScheduledCompleted = "scheduled_transfer.completed"
	EventScheduledFailed    = "scheduled_transfer.failed"

	EventSplitBillCreated             = "split_bill.created"
	EventSplitBillActivated           = "split_bill.activated"
	EventSplitBillCancelled           = "split_bill.cancelled"
	EventSplitBillParticipantAdded    = "split_bill.participant_added"
	EventSplitBillParticipantAccepted = "split_bill.participant_accepted"
	EventSplitBillParticipantDeclined = "split_bill.participant_declined"
	EventSplitBillPaymentMade         = "split_bill.payment_made"
	EventSplitBillCompleted           = "split_bill.completed"

	EventArchivalCompleted = "archival.completed"
)

// EventEnvelope is the wire shape of a published event.
type EventEnvelope struct {
	EventType  string    `json:"event_type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}
