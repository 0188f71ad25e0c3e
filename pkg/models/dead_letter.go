package models

// DeadLetterReason represents why a health check job was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonMaxRetries DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob DeadLetterReason = "invalid_job"
	DLQReasonTimeout    DeadLetterReason = "timeout"
	DLQReasonPanic      DeadLetterReason = "panic"
	DLQReasonFailed     DeadLetterReason = "check_failed"
)
