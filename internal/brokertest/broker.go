// Package brokertest provides an in-memory AMQP broker for tests. It speaks
// the rabbitmq.Connection and rabbitmq.Channel interfaces, routes through
// topic exchanges and the default exchange, tracks acknowledgements and can
// inject the failures a real broker produces.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

const deliveryBuffer = 1024

// Publication is a message as the broker received it.
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type exchange struct {
	kind    string
	durable bool
}

type binding struct {
	exchange string
	key      string
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	queueName  string
	ch         *Channel
	deliveries chan amqp.Delivery
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Conn

	bindings  []binding
	messages  []message
	consumers []*consumer
	next      int
}

type unacked struct {
	queue string
	msg   message
}

// Broker is an in-memory topic broker. The zero value is not usable; call New.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	dialErr  error
	dials    int
	injected map[string]*amqp.Error
	requeue  bool

	published []Publication
	acks      int
	nacks     int
}

// New creates an empty broker that requeues nacked messages.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
		injected:  make(map[string]*amqp.Error),
		requeue:   true,
	}
}

// Dial opens a connection. Its signature matches rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every dial fail with err until cleared with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetRequeueOnNack controls whether a nacked message with requeue set goes
// back to its queue. Disabling it keeps handler failure tests from spinning.
func (b *Broker) SetRequeueOnNack(requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeue = requeue
}

// InjectError makes the next operation named op fail with err and close the
// channel, the way the broker reacts to a refused method. Recognised ops are
// "channel.open", "exchange.declare", "queue.declare", "queue.bind",
// "basic.consume" and "basic.publish".
func (b *Broker) InjectError(op string, err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected[op] = err
}

// FailChannels closes every open channel with a server error while leaving
// the connections up.
func (b *Broker) FailChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		for ch := range c.channels {
			b.closeChannelLocked(ch, &amqp.Error{
				Code:   amqp.ChannelError,
				Reason: "CHANNEL_ERROR - injected channel failure",
				Server: true,
			})
		}
	}
}

// DropConnections closes every connection as if the broker went away.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		b.closeConnLocked(c, &amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// SetBlocked sends connection.blocked or connection.unblocked to every
// open connection.
func (b *Broker) SetBlocked(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		for _, r := range c.blocked {
			select {
			case r <- amqp.Blocking{Active: active, Reason: "low on memory"}:
			default:
			}
		}
	}
}

// SetFlow sends channel.flow to every open channel. active=false pauses
// publishers.
func (b *Broker) SetFlow(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		for ch := range c.channels {
			for _, r := range ch.flow {
				select {
				case r <- active:
				default:
				}
			}
		}
	}
}

// Published returns every message the broker accepted, in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Publication, len(b.published))
	copy(out, b.published)
	return out
}

// Acks returns the number of acknowledged deliveries.
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Nacks returns the number of negatively acknowledged deliveries.
func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the existing queue names in sorted order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Consumers returns the number of consumers attached to the queue.
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// QueueDepth returns the number of ready messages in the queue.
func (b *Broker) QueueDepth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// OpenConnections returns the number of live connections.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// takeInjected must be called with mu held.
func (b *Broker) takeInjected(op string) *amqp.Error {
	err, ok := b.injected[op]
	if !ok {
		return nil
	}
	delete(b.injected, op)
	return err
}

func (b *Broker) closeConnLocked(c *Conn, err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		b.closeChannelLocked(ch, err)
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}

	for _, r := range c.closeNotify {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	c.closeNotify = nil
	for _, r := range c.blocked {
		close(r)
	}
	c.blocked = nil
}

func (b *Broker) closeChannelLocked(ch *Channel, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for tag := range ch.consumers {
		b.cancelLocked(ch, tag)
	}

	// unacknowledged messages go back to their queues
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		u := ch.unacked[tag]
		b.requeueLocked(u.queue, u.msg)
	}
	ch.unacked = nil

	for _, r := range ch.closeNotify {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	ch.closeNotify = nil
	for _, r := range ch.flow {
		close(r)
	}
	ch.flow = nil
}

func (b *Broker) cancelLocked(ch *Channel, tag string) {
	cons, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	close(cons.deliveries)

	q, ok := b.queues[cons.queueName]
	if !ok {
		return
	}
	for i, qc := range q.consumers {
		if qc == cons {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	// auto-delete queues go away with their last consumer
	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueueLocked(q.name)
	}
}

func (b *Broker) deleteQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	delete(b.queues, name)
	for _, cons := range q.consumers {
		delete(cons.ch.consumers, cons.tag)
		close(cons.deliveries)
	}
	q.consumers = nil
	return len(q.messages)
}

func (b *Broker) requeueLocked(queueName string, msg message) {
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	msg.redelivered = true
	q.messages = append([]message{msg}, q.messages...)
	b.dispatchLocked(q)
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		sent := false
		for i := 0; i < len(q.consumers); i++ {
			cons := q.consumers[(q.next+i)%len(q.consumers)]
			ch := cons.ch
			ch.nextTag++
			d := newDelivery(ch, cons.tag, ch.nextTag, q.messages[0])
			select {
			case cons.deliveries <- d:
				ch.unacked[d.DeliveryTag] = unacked{queue: q.name, msg: q.messages[0]}
				q.messages = q.messages[1:]
				q.next = (q.next + i + 1) % len(q.consumers)
				sent = true
			default:
				ch.nextTag--
				continue
			}
			break
		}
		if !sent {
			return
		}
	}
}

func newDelivery(ch *Channel, tag string, deliveryTag uint64, msg message) amqp.Delivery {
	p := msg.pub
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     tag,
		DeliveryTag:     deliveryTag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            p.Body,
	}
}

// Conn is a broker connection.
type Conn struct {
	broker *Broker

	closed      bool
	channels    map[*Channel]struct{}
	closeNotify []chan *amqp.Error
	blocked     []chan amqp.Blocking
}

// Channel opens a channel on the connection.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeInjected("channel.open"); err != nil {
		return nil, err
	}
	ch := &Channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unacked),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocked = append(c.blocked, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.broker.closeConnLocked(c, nil)
	return nil
}

// Channel is a broker channel. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn *Conn

	closed      bool
	consumers   map[string]*consumer
	unacked     map[uint64]unacked
	nextTag     uint64
	prefetch    int
	closeNotify []chan *amqp.Error
	flow        []chan bool
}

// refuse closes the channel with err and returns it, mirroring a
// channel-level exception.
func (ch *Channel) refuse(err *amqp.Error) error {
	ch.conn.broker.closeChannelLocked(ch, err)
	return err
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeInjected("exchange.declare"); err != nil {
		return ch.refuse(err)
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.refuse(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name),
				Server: true,
			})
		}
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := b.takeInjected("queue.declare"); err != nil {
		return amqp.Queue{}, ch.refuse(err)
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", time.Now().UnixNano())
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.refuse(&amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name),
				Server: true,
			})
		}
		if q.durable != durable {
			return amqp.Queue{}, ch.refuse(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name),
				Server: true,
			})
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeInjected("queue.bind"); err != nil {
		return ch.refuse(err)
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.refuse(notFound("exchange", exchangeName))
	}
	q, ok := b.queues[name]
	if !ok {
		return ch.refuse(notFound("queue", name))
	}
	for _, bd := range q.bindings {
		if bd.exchange == exchangeName && bd.key == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchangeName, key: key})
	return nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	return b.deleteQueueLocked(name), nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeInjected("basic.consume"); err != nil {
		return nil, ch.refuse(err)
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.refuse(notFound("queue", queueName))
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, ch.refuse(&amqp.Error{
			Code:   amqp.ResourceLocked,
			Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName),
			Server: true,
		})
	}
	if tag == "" {
		tag = fmt.Sprintf("amq.ctag-%d", len(ch.consumers)+1)
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.refuse(&amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
			Server: true,
		})
	}

	cons := &consumer{tag: tag, queueName: queueName, ch: ch, deliveries: make(chan amqp.Delivery, deliveryBuffer)}
	ch.consumers[tag] = cons
	q.consumers = append(q.consumers, cons)
	b.dispatchLocked(q)
	return cons.deliveries, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.cancelLocked(ch, tag)
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeInjected("basic.publish"); err != nil {
		return ch.refuse(err)
	}

	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		if _, ok := b.exchanges[exchangeName]; !ok {
			return ch.refuse(notFound("exchange", exchangeName))
		}
		for _, q := range b.queues {
			for _, bd := range q.bindings {
				if bd.exchange == exchangeName && MatchTopic(bd.key, key) {
					targets = append(targets, q)
					break
				}
			}
		}
	}

	b.published = append(b.published, Publication{Exchange: exchangeName, RoutingKey: key, Msg: msg})
	for _, q := range targets {
		q.messages = append(q.messages, message{exchange: exchangeName, routingKey: key, pub: msg})
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeNotify = append(ch.closeNotify, receiver)
	return receiver
}

func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flow = append(ch.flow, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel gracefully.
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannelLocked(ch, nil)
	return nil
}

// Prefetch returns the prefetch count set through Qos.
func (ch *Channel) Prefetch() int {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return ch.refuse(unknownTag(tag))
	}
	delete(ch.unacked, tag)
	b.acks++
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return ch.refuse(unknownTag(tag))
	}
	delete(ch.unacked, tag)
	b.nacks++
	if requeue && b.requeue {
		b.requeueLocked(u.queue, u.msg)
	}
	return nil
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
		Server: true,
	}
}

func unknownTag(tag uint64) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
		Server: true,
	}
}
