package models

// OutcomeStatus is the terminal state of one dispatched request.
type OutcomeStatus string

const (
	StatusSuccess   OutcomeStatus = "success"
	StatusFailure   OutcomeStatus = "failure"
	StatusCancelled OutcomeStatus = "cancelled"
)

// Outcome answers the request at the same index of a batch.
type Outcome struct {
	Index       int               `json:"index"`
	Request     GenerationRequest `json:"request"`
	Fingerprint string            `json:"fingerprint"`
	Status      OutcomeStatus     `json:"status"`
	Images      []Image           `json:"images,omitempty"`
	Cost        float64           `json:"cost"`
	CacheHit    bool              `json:"cache_hit"`
	Attempts    int               `json:"attempts"`
	Err         *APIError         `json:"error,omitempty"`
	// CacheErr is set when the result could not be written through to the cache.
	CacheErr string `json:"cache_error,omitempty"`
}

// OK reports whether the outcome carries images.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// ProgressEvent is published once per completed item, in completion order.
type ProgressEvent struct {
	Index     int           `json:"index"`
	Status    OutcomeStatus `json:"status"`
	CacheHit  bool          `json:"cache_hit"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
}
