package rabbitmq

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ExchangeKindTopic is the only exchange kind the client declares.
const ExchangeKindTopic = "topic"

// ExchangeDeclaration defines an exchange to be (re)declared
type ExchangeDeclaration struct {
	Name    string
	Kind    string
	Durable bool
}

// TopologyRegistry remembers every exchange the client used so it can be
// reasserted on a fresh channel. Entries are never removed.
type TopologyRegistry struct {
	mu        sync.RWMutex
	exchanges map[string]ExchangeDeclaration
	// asserted holds exchanges already declared on the current channel.
	asserted map[string]bool
	logger   *slog.Logger
}

// NewTopologyRegistry creates an empty registry
func NewTopologyRegistry(logger *slog.Logger) *TopologyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyRegistry{
		exchanges: make(map[string]ExchangeDeclaration),
		asserted:  make(map[string]bool),
		logger:    logger,
	}
}

// Record stores the exchange, overwriting any previous entry.
func (r *TopologyRegistry) Record(name string, durable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[name] = ExchangeDeclaration{Name: name, Kind: ExchangeKindTopic, Durable: durable}
}

// Lookup returns the stored declaration for name.
func (r *TopologyRegistry) Lookup(name string) (ExchangeDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decl, ok := r.exchanges[name]
	return decl, ok
}

// Exchanges returns all recorded declarations ordered by name.
func (r *TopologyRegistry) Exchanges() []ExchangeDeclaration {
	r.mu.RLock()
	decls := make([]ExchangeDeclaration, 0, len(r.exchanges))
	for _, decl := range r.exchanges {
		decls = append(decls, decl)
	}
	r.mu.RUnlock()

	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Declare asserts a durable topic exchange on ch and records it once the
// broker accepted it. Exchanges already asserted on this channel are skipped.
func (r *TopologyRegistry) Declare(ch Channel, name string) error {
	r.mu.RLock()
	done := r.asserted[name]
	r.mu.RUnlock()
	if done {
		return nil
	}

	decl := ExchangeDeclaration{Name: name, Kind: ExchangeKindTopic, Durable: true}
	if err := declareExchange(ch, decl); err != nil {
		return err
	}

	r.Record(name, true)
	r.mu.Lock()
	r.asserted[name] = true
	r.mu.Unlock()
	return nil
}

// Recover reasserts every recorded exchange on a freshly opened channel.
func (r *TopologyRegistry) Recover(ch Channel) error {
	r.mu.Lock()
	r.asserted = make(map[string]bool)
	r.mu.Unlock()

	var errs []error
	reasserted := 0
	for _, decl := range r.Exchanges() {
		if err := declareExchange(ch, decl); err != nil {
			r.logger.Error("failed to reassert exchange", "exchange", decl.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		r.asserted[decl.Name] = true
		r.mu.Unlock()
		reasserted++
	}

	if reasserted > 0 {
		r.logger.Debug("exchanges reasserted", "count", reasserted)
	}
	return errors.Join(errs...)
}

func declareExchange(ch Channel, decl ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		decl.Name,
		decl.Kind,
		decl.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      decl.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
