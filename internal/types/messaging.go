package types

// DeadLetterMessage is the SQS envelope published for each dead-lettered
// billing event. The replay worker decodes it and feeds Event back through
// the reconciler.
type DeadLetterMessage struct {
	DeadLetterID string           `json:"dead_letter_id,omitempty"`
	Outcome      ReconcileOutcome `json:"outcome"`
	Reason       ErrorCode        `json:"reason"`
	Event        BillingEvent     `json:"event"`
}
