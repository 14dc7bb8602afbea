package core

// Outcome classifies the result of a single publish call.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MessageResponse is the outcome of publishing one message to one destination.
type MessageResponse struct {
	// MessageID is assigned by the transport on success.
	MessageID   string
	UniqueKey   string
	Destination Destination
	Attempts    int
	Outcome     Outcome
	// Err is the final failure when Outcome is not OutcomeSucceeded.
	Err error
}

// BatchStatus distinguishes full, partial and total batch outcomes.
type BatchStatus int

const (
	BatchSucceeded BatchStatus = iota
	BatchPartiallySucceeded
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchSucceeded:
		return "succeeded"
	case BatchPartiallySucceeded:
		return "partially_succeeded"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BatchEntrySuccess records a delivered batch entry.
type BatchEntrySuccess struct {
	// Index is the entry's position in the messages of the call that
	// reported it. Unique keys may repeat within a batch; positions do not.
	Index       int
	UniqueKey   string
	MessageID   string
	Destination Destination
}

// BatchEntryFailure records an undelivered batch entry.
type BatchEntryFailure struct {
	// Index is the entry's position, as for BatchEntrySuccess.
	Index       int
	UniqueKey   string
	Destination Destination
	// Code is the transport's error code, if any.
	Code      string
	Retryable bool
	Err       error
}

// MessageBatchResponse is the outcome of a batch publish. Partial success is
// a normal outcome; inspect Failed for the entries that were not delivered.
type MessageBatchResponse struct {
	Destination Destination
	Succeeded   []BatchEntrySuccess
	Failed      []BatchEntryFailure
	// Attempts is the number of transport calls made for the batch.
	Attempts int
}

// Status reports whether every, some or none of the entries were delivered.
// An empty response counts as succeeded.
func (r MessageBatchResponse) Status() BatchStatus {
	switch {
	case len(r.Failed) == 0:
		return BatchSucceeded
	case len(r.Succeeded) == 0:
		return BatchFailed
	default:
		return BatchPartiallySucceeded
	}
}

// merge appends the entries of other to r.
func (r *MessageBatchResponse) merge(other MessageBatchResponse) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Attempts += other.Attempts
}
