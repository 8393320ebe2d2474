// Package push delivers real-time events to connected accounts. Delivery is
// best effort: an account without a live connection, or one whose buffer is
// full, simply misses the event.
package push

import (
	"sync"

	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	EventBalanceUpdate = "BALANCE_UPDATE"
	EventTradeSignal   = "TRADE_SIGNAL"
)

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type BalanceUpdate struct {
	NewBalance  decimal.Decimal     `json:"new_balance"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

type TradeSignal struct {
	TradeID   string          `json:"trade_id"`
	Pair      string          `json:"pair"`
	Direction string          `json:"direction"`
	Mode      string          `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
}

func NewBalanceUpdate(balance decimal.Decimal, txn *ledger.Transaction, reason string) Event {
	return Event{Type: EventBalanceUpdate, Payload: BalanceUpdate{NewBalance: balance, Transaction: txn, Reason: reason}}
}

func NewTradeSignal(trade *ledger.Trade, copyTrade *ledger.CopyTrade) Event {
	return Event{Type: EventTradeSignal, Payload: TradeSignal{
		TradeID:   trade.TradeID,
		Pair:      trade.Pair,
		Direction: trade.Direction,
		Mode:      copyTrade.Mode,
		Allocated: copyTrade.AllocatedAmount,
	}}
}

// Conn is one live client connection. Send must not block.
type Conn interface {
	Send(ev Event) bool
	Close()
}

// Registry maps an account to its live connection.
type Registry interface {
	Get(accountID string) (Conn, bool)
	// Set registers conn and returns the connection it replaced, if any.
	Set(accountID string, conn Conn) Conn
	// Remove unregisters conn only if it is still the registered one.
	Remove(accountID string, conn Conn)
}

// Pusher is what the ledger services depend on.
type Pusher interface {
	Push(accountID string, ev Event) bool
}

type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]Conn)}
}

func (r *MemoryRegistry) Get(accountID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[accountID]
	return conn, ok
}

func (r *MemoryRegistry) Set(accountID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[accountID]
	r.conns[accountID] = conn
	return prev
}

func (r *MemoryRegistry) Remove(accountID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[accountID]; ok && current == conn {
		delete(r.conns, accountID)
	}
}

// Len reports the number of connected accounts.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Hub routes events to the registry's connections.
type Hub struct {
	registry Registry
	metrics  metrics.Collector
}

func NewHub(registry Registry, collector metrics.Collector) *Hub {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Hub{registry: registry, metrics: collector}
}

// Push delivers ev to accountID's connection. It reports whether the event
// was accepted and never blocks.
func (h *Hub) Push(accountID string, ev Event) bool {
	conn, ok := h.registry.Get(accountID)
	if !ok {
		return false
	}
	if !conn.Send(ev) {
		h.metrics.RecordPushDropped()
		log.Debug().
			Str("account_id", accountID).
			Str("event", ev.Type).
			Str("component", "push_hub").
			Msg("push buffer full, event dropped")
		return false
	}
	return true
}

// Attach registers conn for accountID, closing any connection it replaces.
func (h *Hub) Attach(accountID string, conn Conn) {
	if prev := h.registry.Set(accountID, conn); prev != nil && prev != conn {
		prev.Close()
	}
}

func (h *Hub) Detach(accountID string, conn Conn) {
	h.registry.Remove(accountID, conn)
	conn.Close()
}
