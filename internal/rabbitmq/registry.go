package rabbitmq

import (
	"sort"
	"sync"
)

// Subscription is the record kept for every active consumer so it can be
// replayed onto a new channel.
type Subscription struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Handler    Handler
	// Temporary marks queues that must not outlive the client (exclusive
	// subscriptions and RPC response queues).
	Temporary bool

	Durable    bool
	AutoDelete bool
	Exclusive  bool

	// ConsumerTag is assigned by the consumer on every (re)subscribe.
	ConsumerTag string

	// ch is the channel the consumer currently lives on.
	ch Channel
}

// ConsumerRegistry tracks one subscription per queue name.
type ConsumerRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewConsumerRegistry creates an empty registry
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{
		subs: make(map[string]*Subscription),
	}
}

// Register stores sub, replacing and returning any prior record for the queue.
func (r *ConsumerRegistry) Register(sub *Subscription) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.subs[sub.Queue]
	r.subs[sub.Queue] = sub
	return prev
}

// Remove deletes the record for queue.
func (r *ConsumerRegistry) Remove(queue string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[queue]
	if ok {
		delete(r.subs, queue)
	}
	return sub, ok
}

// Get returns the record for queue.
func (r *ConsumerRegistry) Get(queue string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[queue]
	return sub, ok
}

// ForEach calls fn for a snapshot of the registered subscriptions. fn may
// mutate the registry.
func (r *ConsumerRegistry) ForEach(fn func(sub *Subscription)) {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		fn(sub)
	}
}

// Len returns the number of subscriptions.
func (r *ConsumerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Queues returns the registered queue names in sorted order.
func (r *ConsumerRegistry) Queues() []string {
	r.mu.RLock()
	queues := make([]string, 0, len(r.subs))
	for name := range r.subs {
		queues = append(queues, name)
	}
	r.mu.RUnlock()

	sort.Strings(queues)
	return queues
}

// Clear removes every record and returns them.
func (r *ConsumerRegistry) Clear() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*Subscription)
	return subs
}
