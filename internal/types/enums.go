package types

// PlanID identifies a subscription plan in the catalog.
type PlanID string

const (
	PlanStarter  PlanID = "starter"
	PlanAdvanced PlanID = "advanced"
)

// DefaultPlan is the plan every unresolvable billing reference falls back to.
const DefaultPlan = PlanStarter

// Feature names a boolean capability attached to a plan.
type Feature string

const (
	FeatureGoogleIntegration Feature = "google_integration"
	FeatureCustomTemplates   Feature = "custom_templates"
	FeaturePrioritySupport   Feature = "priority_support"
	FeatureAPIAccess         Feature = "api_access"
)

// UnlimitedAI is the MaxAICallsPerDay sentinel for plans without a daily cap.
const UnlimitedAI = -1

// BillingEventType classifies an inbound payment-provider event after it has
// been mapped from the provider's own vocabulary.
type BillingEventType string

const (
	EventCheckoutCompleted    BillingEventType = "checkout_completed"
	EventSubscriptionUpdated  BillingEventType = "subscription_updated"
	EventSubscriptionCanceled BillingEventType = "subscription_canceled"
	EventUnhandled            BillingEventType = "unhandled"
)

// ReconcileOutcome reports what the reconciler did with a billing event.
type ReconcileOutcome string

const (
	// OutcomeApplied means the account row was written.
	OutcomeApplied ReconcileOutcome = "applied"
	// OutcomeStale means the event was older than the last applied event for
	// the account and was skipped.
	OutcomeStale ReconcileOutcome = "stale"
	// OutcomeIgnored means the event type is not one the reconciler handles.
	OutcomeIgnored ReconcileOutcome = "ignored"
	// OutcomeDropped means the event can never be applied (malformed or no
	// matching account). It is dead-lettered and acknowledged.
	OutcomeDropped ReconcileOutcome = "dropped"
	// OutcomeFailed means the store rejected the write. It is dead-lettered
	// and acknowledged; replay may succeed later.
	OutcomeFailed ReconcileOutcome = "failed"
)

// NotificationType categorizes in-app notifications.
type NotificationType string

const (
	NotificationBilling NotificationType = "billing"
	NotificationReview  NotificationType = "review"
	NotificationSystem  NotificationType = "system"
)
