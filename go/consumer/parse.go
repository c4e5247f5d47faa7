package consumer

import (
	"errors"
	"fmt"

	pf "github.com/estuary/task-relay/go/protocols/task"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Workers tag every published message with a message_type header naming the
// event schema of its body. ParseDelivery dispatches on that header and
// decodes the body's bare Avro datum into a tagged Event.
//
// Any error returned here is a decode-class failure: the delivery can never
// be handled and retrying it is futile (see the ack policy in Consumer).

// ErrNoMessageType is returned (possibly wrapped) for deliveries missing the
// message_type header, or whose message_type header isn't a string.
var ErrNoMessageType = errors.New("delivery has no message_type header")

// ParseDelivery is a pure function and is safe to call from any goroutine.
func ParseDelivery(headers amqp.Table, body []byte) (pf.Event, error) {
	var raw, ok = headers["message_type"]
	if !ok {
		return pf.Event{}, ErrNoMessageType
	}
	mt, ok := raw.(string)
	if !ok {
		return pf.Event{}, fmt.Errorf("%w: message_type header is %T, not a string", ErrNoMessageType, raw)
	}

	switch mt {
	case "TaskAssignment":
		var a, err = pf.DecodeAssignment(body)
		if err != nil {
			return pf.Event{}, fmt.Errorf("decoding %s body: %w", mt, err)
		}
		return pf.Event{Assignment: &a}, nil

	case "TaskRunning":
		var r, err = pf.DecodeRunning(body)
		if err != nil {
			return pf.Event{}, fmt.Errorf("decoding %s body: %w", mt, err)
		}
		return pf.Event{Running: &r}, nil

	case "TaskCompleted":
		var c, err = pf.DecodeCompleted(body)
		if err != nil {
			return pf.Event{}, fmt.Errorf("decoding %s body: %w", mt, err)
		}
		return pf.Event{Completed: &c}, nil

	default:
		return pf.Event{}, fmt.Errorf("unknown message type %q", mt)
	}
}
