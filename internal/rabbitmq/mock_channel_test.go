package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel is a testify mock of Channel
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	a := m.Called(name, kind, durable, autoDelete, internal, noWait, args)
	return a.Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	a := m.Called(name, key, exchange, noWait, args)
	return a.Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	a := m.Called(name, ifUnused, ifEmpty, noWait)
	return a.Int(0), a.Error(1)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	a := m.Called(prefetchCount, prefetchSize, global)
	return a.Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if d := a.Get(0); d != nil {
		return d.(<-chan amqp.Delivery), a.Error(1)
	}
	return nil, a.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	a := m.Called(consumer, noWait)
	return a.Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	a := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return a.Error(0)
}

func (m *mockChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (m *mockChannel) NotifyFlow(receiver chan bool) chan bool {
	return receiver
}

func (m *mockChannel) IsClosed() bool {
	return false
}

func (m *mockChannel) Close() error {
	return nil
}

// fakeAcknowledger records ack decisions for a delivery
type fakeAcknowledger struct {
	acked   chan uint64
	nacked  chan uint64
	requeue bool
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{
		acked:  make(chan uint64, 16),
		nacked: make(chan uint64, 16),
	}
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked <- tag
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.requeue = requeue
	f.nacked <- tag
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}
