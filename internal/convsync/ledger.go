package convsync

import (
	"context"
	"sync"
)

const ledgerShardCount = 32

type ledgerShard struct {
	mu     sync.RWMutex
	counts map[string]map[string]int
}

// Ledger caches per-operator unread counts for push delivery. It is never the
// system of record: every fast-path mutation is eventually followed by a
// Reconcile, which recomputes from the message store and wins.
type Ledger struct {
	shards   [ledgerShardCount]*ledgerShard
	store    MessageStore
	registry *Registry
}

func NewLedger(store MessageStore, registry *Registry) *Ledger {
	l := &Ledger{store: store, registry: registry}
	for i := range l.shards {
		l.shards[i] = &ledgerShard{counts: map[string]map[string]int{}}
	}
	return l
}

func (l *Ledger) shard(operatorID string) *ledgerShard {
	return l.shards[shardIndex(operatorID)]
}

// Increment is the fast-path bump used between reconciliations.
func (l *Ledger) Increment(operatorID, conversationID string) {
	if operatorID == "" || conversationID == "" {
		return
	}
	shard := l.shard(operatorID)
	shard.mu.Lock()
	byConv, ok := shard.counts[operatorID]
	if !ok {
		byConv = map[string]int{}
		shard.counts[operatorID] = byConv
	}
	byConv[conversationID]++
	shard.mu.Unlock()
}

func (l *Ledger) Reset(operatorID, conversationID string) {
	if operatorID == "" || conversationID == "" {
		return
	}
	l.set(operatorID, conversationID, 0)
}

func (l *Ledger) set(operatorID, conversationID string, count int) {
	shard := l.shard(operatorID)
	shard.mu.Lock()
	byConv, ok := shard.counts[operatorID]
	if !ok {
		byConv = map[string]int{}
		shard.counts[operatorID] = byConv
	}
	byConv[conversationID] = count
	shard.mu.Unlock()
}

func (l *Ledger) clear(operatorID, conversationID string) {
	shard := l.shard(operatorID)
	shard.mu.Lock()
	if byConv, ok := shard.counts[operatorID]; ok {
		delete(byConv, conversationID)
		if len(byConv) == 0 {
			delete(shard.counts, operatorID)
		}
	}
	shard.mu.Unlock()
}

// Get returns a copy of the operator's cached counts.
func (l *Ledger) Get(operatorID string) map[string]int {
	shard := l.shard(operatorID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	byConv, ok := shard.counts[operatorID]
	if !ok {
		return map[string]int{}
	}
	out := make(map[string]int, len(byConv))
	for convID, count := range byConv {
		out[convID] = count
	}
	return out
}

// Forget drops every cached entry for the operator. Session teardown only;
// disconnects leave the ledger alone.
func (l *Ledger) Forget(operatorID string) {
	shard := l.shard(operatorID)
	shard.mu.Lock()
	delete(shard.counts, operatorID)
	shard.mu.Unlock()
}

// Reconcile recomputes the conversation's unread count from the store and
// assigns it to the assigned operator, or to every current dashboard
// subscriber when the conversation is unassigned. Entries cached for
// operators who no longer own the count are cleared. Concurrent reconciles
// of the same conversation converge: both read the store and overwrite.
func (l *Ledger) Reconcile(ctx context.Context, conversationID string) (map[string]int, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	count, err := l.store.CountUnread(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	assignee, err := l.store.GetAssignedOperator(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	owners := map[string]int{}
	if assignee != "" {
		owners[assignee] = count
	} else {
		for _, operatorID := range l.registry.DashboardSubscribers() {
			owners[operatorID] = count
		}
	}

	for _, shard := range l.shards {
		shard.mu.Lock()
		for operatorID, byConv := range shard.counts {
			if _, owns := owners[operatorID]; owns {
				continue
			}
			if _, cached := byConv[conversationID]; cached {
				delete(byConv, conversationID)
				if len(byConv) == 0 {
					delete(shard.counts, operatorID)
				}
			}
		}
		shard.mu.Unlock()
	}
	for operatorID, owned := range owners {
		l.set(operatorID, conversationID, owned)
	}
	return owners, nil
}
