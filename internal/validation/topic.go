package validation

import (
	"errors"
	"fmt"

	"github.com/example/busguard/internal/message"
)

// CheckTopic fails with ErrTopicMismatch when both the transport topic and
// the body topic are set and differ. A missing topic on either side asserts
// nothing.
func CheckTopic(msg *message.Message) error {
	if msg == nil {
		return WrapTopicMismatch(errors.New("message is nil"))
	}
	if msg.Topic == nil {
		return nil
	}
	declared, ok := msg.BodyTopic()
	if !ok {
		return nil
	}

	if s, isString := declared.(string); isString && s == *msg.Topic {
		return nil
	}
	return WrapTopicMismatch(fmt.Errorf("got %v, want %q", declared, *msg.Topic))
}
