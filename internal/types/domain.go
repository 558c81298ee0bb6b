package types

import (
	"encoding/json"
	"time"
)

// Account is a tenant of the product. Plan is the only field the billing
// reconciler writes, together with CustomerRef and LastBillingEventAt.
type Account struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Plan               PlanID     `json:"plan"`
	CustomerRef        *string    `json:"customer_ref,omitempty"`
	LastBillingEventAt *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BillingEvent is the provider-neutral form of an inbound payment event.
// The webhook handler maps provider payloads into this shape; the reconciler
// only ever sees BillingEvent.
type BillingEvent struct {
	ID           string           `json:"id"`
	Type         BillingEventType `json:"type"`
	ProviderType string           `json:"provider_type"`
	CustomerRef  string           `json:"customer_ref,omitempty"`
	AccountID    string           `json:"account_id,omitempty"`
	PlanID       string           `json:"plan_id,omitempty"`
	PriceRef     string           `json:"price_ref,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
}

// DeadLetter records a billing event the reconciler could not apply. Rows
// are append-only apart from ResolvedAt.
type DeadLetter struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	AccountID   string           `json:"account_id,omitempty"`
	CustomerRef string           `json:"customer_ref,omitempty"`
	Outcome     ReconcileOutcome `json:"outcome"`
	Reason      ErrorCode        `json:"reason"`
	Error       string           `json:"error"`
	Payload     json.RawMessage  `json:"payload"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// Business is a location whose reviews the account aggregates.
type Business struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is a customer review of a business.
type Review struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	AccountID  string    `json:"account_id"`
	Author     string    `json:"author"`
	Rating     int       `json:"rating"`
	Text       string    `json:"text"`
	Responded  bool      `json:"responded"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReviewFilter narrows a review listing. Zero values match everything.
type ReviewFilter struct {
	BusinessID string
	Responded  *bool
	Limit      int
}

// ReviewStats are raw review counts for an account over a window.
type ReviewStats struct {
	Total     int
	RatingSum int
	Positive  int // rating 4 or 5
	Negative  int // rating 1 or 2
	Responded int
}

// Response is a reply to a review, drafted by hand or generated.
type Response struct {
	ID          string    `json:"id"`
	ReviewID    string    `json:"review_id"`
	BusinessID  string    `json:"business_id"`
	Content     string    `json:"content"`
	AIGenerated bool      `json:"ai_generated"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is an in-app message shown to an account.
type Notification struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// UsageSnapshot is the per-day usage used by entitlement checks.
type UsageSnapshot struct {
	AICallsToday  int `json:"ai_calls_today"`
	BusinessCount int `json:"business_count"`
}
