package models

import "time"

// Rejection reasons, mirroring validation.Kind values plus engine-level
// failures.
const (
	ReasonNormalization    = "normalization"
	ReasonTopicMismatch    = "topic_mismatch"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonOversize         = "oversize"
	ReasonUnknown          = "unknown"
)

// RejectionRecord is published to the rejection topic for every record the
// validation pipeline refused.
type RejectionRecord struct {
	CorrelationID string            `json:"correlation_id"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Reason        string            `json:"reason"`
	Error         string            `json:"error"`
	Warnings      []string          `json:"warnings,omitempty"`
	Encoding      string            `json:"encoding"`
	Payload       []byte            `json:"payload,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
	RejectedAt    time.Time         `json:"rejected_at"`
	Headers       map[string]string `json:"headers,omitempty"`
}
