// Package realtime fans transaction snapshots out to subscribed parties
// (merchant terminal, customer app). Delivery is at-least-once attempted
// with no ordering guarantee; every snapshot carries the full row, so
// consumers treat each one as authoritative as of receipt.
package realtime

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
)

const subscriberBuffer = 8

// Hub implements rewards.TransactionNotifier with in-process channels.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan rewards.PendingTransaction]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan rewards.PendingTransaction]struct{})}
}

// TransactionChanged publishes a snapshot to every subscriber of the
// transaction. A subscriber that cannot keep up misses intermediate
// snapshots; the next publish carries the full current state anyway.
func (hub *Hub) TransactionChanged(ctx context.Context, transaction rewards.PendingTransaction) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for channel := range hub.subscribers[transaction.TransactionID] {
		select {
		case channel <- transaction:
		default:
		}
	}
}

// Subscribe registers interest in one transaction's row changes. The
// returned cancel function must be called when the subscriber goes away.
func (hub *Hub) Subscribe(transactionID string) (<-chan rewards.PendingTransaction, func()) {
	channel := make(chan rewards.PendingTransaction, subscriberBuffer)
	hub.mu.Lock()
	if hub.subscribers[transactionID] == nil {
		hub.subscribers[transactionID] = make(map[chan rewards.PendingTransaction]struct{})
	}
	hub.subscribers[transactionID][channel] = struct{}{}
	hub.mu.Unlock()

	cancel := func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		if channels, ok := hub.subscribers[transactionID]; ok {
			delete(channels, channel)
			if len(channels) == 0 {
				delete(hub.subscribers, transactionID)
			}
		}
	}
	return channel, cancel
}
