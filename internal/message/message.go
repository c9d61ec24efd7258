package message

// Body keys the pipeline reads or writes.
const (
	KeyTopic       = "topic"
	KeyBody        = "body"
	KeyMsg         = "msg"
	KeySignature   = "signature"
	KeyCertificate = "certificate"
)

// State tracks how far a message progressed through the validation pipeline.
type State string

const (
	StateReceived         State = "received"
	StateNormalized       State = "normalized"
	StateTopicChecked     State = "topic-checked"
	StateSignatureChecked State = "signature-checked"
	StateAccepted         State = "accepted"
	StateRejected         State = "rejected"
)

// Message is the canonical in-memory shape every validation stage operates
// on. It is built fresh for each inbound message and mutated in place.
type Message struct {
	// Topic is the transport topic. Nil when the transport did not supply one.
	Topic *string
	// Body is the decoded payload. After normalization it always holds a
	// "topic" key, possibly with a nil value.
	Body map[string]any

	State    State
	Warnings []error
}

// TopicName returns the transport topic or an empty string when absent.
func (m *Message) TopicName() string {
	if m == nil || m.Topic == nil {
		return ""
	}
	return *m.Topic
}

// BodyTopic returns the topic asserted inside the body. ok is false when the
// body declares no topic or declares it as null.
func (m *Message) BodyTopic() (topic any, ok bool) {
	if m == nil || m.Body == nil {
		return nil, false
	}
	topic, present := m.Body[KeyTopic]
	if !present || topic == nil {
		return nil, false
	}
	return topic, true
}

// Signed reports whether the body carries a signature field.
func (m *Message) Signed() bool {
	if m == nil || m.Body == nil {
		return false
	}
	_, ok := m.Body[KeySignature]
	return ok
}

func (m *Message) warn(err error) {
	m.Warnings = append(m.Warnings, err)
}

func stringPtr(s string) *string {
	return &s
}
