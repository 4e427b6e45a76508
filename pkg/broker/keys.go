package broker

import "fmt"

// Key layout shared by the API fleet and the worker fleet. Changing any of
// these breaks live streams across a deploy; treat them as a wire format.

// RunResponsesKey is the ordered list of response envelopes for a run.
func RunResponsesKey(runID string) string {
	return fmt.Sprintf("agent_run:%s:responses", runID)
}

// RunResponseChannel carries "new" wake signals when the list grows.
func RunResponseChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:new_response", runID)
}

// RunControlChannel carries STOP, END_STREAM and ERROR for every instance.
func RunControlChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:control", runID)
}

// InstanceControlChannel is the per-instance control channel for a run.
func InstanceControlChannel(runID, instanceID string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instanceID)
}

// ActiveRunKey is the ownership lease an instance holds while a run lives.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// ActiveRunPattern matches every instance's lease for one run.
func ActiveRunPattern(runID string) string {
	return fmt.Sprintf("active_run:*:%s", runID)
}

// InstanceRunsPattern matches every lease owned by one instance.
func InstanceRunsPattern(instanceID string) string {
	return fmt.Sprintf("active_run:%s:*", instanceID)
}

// WebhookEventKey is the fast-path idempotency mark for a provider event.
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// LockKey namespaces distributed leases.
func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// CreditGrantLockName serialises credit grants of one purpose per account.
func CreditGrantLockName(purpose, accountID string) string {
	return fmt.Sprintf("credit_grant:%s:%s", purpose, accountID)
}

// CreditGrantPeriodLockName scopes a grant lock to one billing period.
func CreditGrantPeriodLockName(purpose, accountID string, periodStart int64) string {
	return fmt.Sprintf("credit_grant:%s:%s:%d", purpose, accountID, periodStart)
}

// RenewalLockName serialises renewal processing per billing period.
func RenewalLockName(accountID string, periodStart int64) string {
	return fmt.Sprintf("renewal:%s:%d", accountID, periodStart)
}

// WebhookLockName serialises processing of one provider event.
func WebhookLockName(eventID string) string {
	return fmt.Sprintf("webhook:%s", eventID)
}

// Control signals published on run control channels.
const (
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)

// JobQueueKey is the durable list the worker fleet consumes run jobs from.
const JobQueueKey = "agent_run_jobs"

// BreakerStateKey advertises an open provider circuit across instances.
const BreakerStateKey = "breaker:stripe:open"
