package audit

import "time"

// Record types mirrored onto the log queue, one per observed lifecycle
// event. Every record carries a LogID GUID as the deduplication key of
// the audit stream.

// MessageArrivedRecord is written when a decoded message reaches its
// first subscriber.
type MessageArrivedRecord struct {
	LogID     string      `json:"logId"`
	MessageID string      `json:"messageId"`
	Source    string      `json:"source"`
	Message   interface{} `json:"message"`
	ArrivedAt time.Time   `json:"arrivedAt"`
}

// MessageCompletedRecord is written when a dispatch finishes
// successfully. Duration measures from arrival to completion.
type MessageCompletedRecord struct {
	LogID       string        `json:"logId"`
	MessageID   string        `json:"messageId"`
	Source      string        `json:"source"`
	MessageType string        `json:"messageType"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}

// MessageFailedRecord is written when a dispatch fails and its
// transaction rolls back.
type MessageFailedRecord struct {
	LogID       string      `json:"logId"`
	MessageID   string      `json:"messageId"`
	Source      string      `json:"source"`
	MessageType string      `json:"messageType"`
	ErrorText   string      `json:"errorText"`
	Message     interface{} `json:"message,omitempty"`
	FailedAt    time.Time   `json:"failedAt"`
}

// MessageSentRecord is written for every MessageSent event: a committed
// send, or an enqueue enlisted in a caller transaction.
type MessageSentRecord struct {
	LogID       string        `json:"logId"`
	MessageID   string        `json:"messageId"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Messages    []interface{} `json:"messages"`
	MessageType string        `json:"messageType"`
	SentAt      time.Time     `json:"sentAt"`
}

// SerializationFailureRecord is written when a payload cannot be
// decoded.
type SerializationFailureRecord struct {
	LogID     string    `json:"logId"`
	MessageID string    `json:"messageId"`
	Source    string    `json:"source"`
	ErrorText string    `json:"errorText"`
	At        time.Time `json:"at"`
}
