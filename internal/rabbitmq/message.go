package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes a decoded message. A returned error (or a panic) causes
// the delivery to be requeued.
type Handler func(ctx context.Context, msg *Message) error

// Message is a delivery whose JSON body has already been decoded into Payload.
type Message struct {
	Queue         string
	Exchange      string
	RoutingKey    string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	ContentType   string
	Headers       amqp.Table
	Timestamp     time.Time
	Redelivered   bool

	// Body is the raw wire payload.
	Body []byte
	// Payload is Body decoded into generic JSON values.
	Payload any

	codec Codec
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	codec := m.codec
	if codec == nil {
		codec = JSONCodec{}
	}
	return codec.Unmarshal(m.Body, v)
}

func newMessage(queue string, d amqp.Delivery, codec Codec) (*Message, error) {
	msg := &Message{
		Queue:         queue,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
		Body:          d.Body,
		codec:         codec,
	}
	if err := codec.Unmarshal(d.Body, &msg.Payload); err != nil {
		return nil, err
	}
	return msg, nil
}
