package convsync

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const registryShardCount = 32

// Conn is one live transport session. The registry owns the handle; the
// broadcaster writes through it and reports failures back so the registry can
// prune it.
type Conn interface {
	WriteEnvelope(env Envelope) error
	Close() error
}

// Connection is the opaque handle returned by Connect. A single operator may
// hold any number of concurrent connections.
type Connection struct {
	ID         string
	OperatorID string
	CreatedAt  time.Time
	conn       Conn
}

// Write sends an envelope on this connection only.
func (c *Connection) Write(env Envelope) error {
	return c.conn.WriteEnvelope(env)
}

type operatorEntry struct {
	conns     map[string]*Connection
	convs     map[string]struct{}
	dashboard bool
}

type registryShard struct {
	mu        sync.RWMutex
	operators map[string]*operatorEntry
}

type convIndexShard struct {
	mu      sync.RWMutex
	viewers map[string]map[string]struct{}
}

type RegistryStats struct {
	Connections          int `json:"connections"`
	Subscriptions        int `json:"subscriptions"`
	DashboardSubscribers int `json:"dashboardSubscribers"`
}

// Registry tracks which operator is connected on which transport sessions and
// what each operator is watching. All state is in-memory; operations on
// unrelated operators proceed on independent shards. The operator shard is the
// single owner of an operator's state: the conversation index is only mutated
// while the owning operator shard is locked (operator shard before conv shard,
// always), and dashboard membership lives solely on the operator entry.
type Registry struct {
	shards    [registryShardCount]*registryShard
	convIndex [registryShardCount]*convIndexShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{operators: map[string]*operatorEntry{}}
		r.convIndex[i] = &convIndexShard{viewers: map[string]map[string]struct{}{}}
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShardCount)
}

func (r *Registry) operatorShard(operatorID string) *registryShard {
	return r.shards[shardIndex(operatorID)]
}

func (r *Registry) convShard(conversationID string) *convIndexShard {
	return r.convIndex[shardIndex(conversationID)]
}

// Connect registers a new connection under the operator. It does not alter
// subscriptions.
func (r *Registry) Connect(operatorID string, conn Conn) *Connection {
	if operatorID == "" || conn == nil {
		return nil
	}
	c := &Connection{
		ID:         "cn_" + uuid.NewString(),
		OperatorID: operatorID,
		CreatedAt:  time.Now().UTC(),
		conn:       conn,
	}
	shard := r.operatorShard(operatorID)
	shard.mu.Lock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		entry = &operatorEntry{conns: map[string]*Connection{}, convs: map[string]struct{}{}}
		shard.operators[operatorID] = entry
	}
	entry.conns[c.ID] = c
	shard.mu.Unlock()
	return c
}

// Disconnect removes the connection. If it was the operator's last connection
// every subscription of that operator is dropped as well, so broadcasts stop
// targeting someone who is not online on any device. The unread ledger is not
// touched.
func (r *Registry) Disconnect(c *Connection) {
	if c == nil {
		return
	}
	shard := r.operatorShard(c.OperatorID)
	shard.mu.Lock()
	entry, ok := shard.operators[c.OperatorID]
	if !ok {
		shard.mu.Unlock()
		return
	}
	existing, ok := entry.conns[c.ID]
	if !ok {
		shard.mu.Unlock()
		return
	}
	delete(entry.conns, c.ID)
	_ = existing.conn.Close()
	if len(entry.conns) == 0 {
		for convID := range entry.convs {
			r.removeViewer(convID, c.OperatorID)
		}
		delete(shard.operators, c.OperatorID)
	}
	shard.mu.Unlock()
}

// SubscribeConversation is idempotent; it reports whether this call created
// the subscription so callers can decide whether to acknowledge.
func (r *Registry) SubscribeConversation(operatorID, conversationID string) bool {
	if operatorID == "" || conversationID == "" {
		return false
	}
	shard := r.operatorShard(operatorID)
	shard.mu.Lock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	if _, exists := entry.convs[conversationID]; exists {
		shard.mu.Unlock()
		return false
	}
	entry.convs[conversationID] = struct{}{}

	cs := r.convShard(conversationID)
	cs.mu.Lock()
	viewers, ok := cs.viewers[conversationID]
	if !ok {
		viewers = map[string]struct{}{}
		cs.viewers[conversationID] = viewers
	}
	viewers[operatorID] = struct{}{}
	cs.mu.Unlock()
	shard.mu.Unlock()
	return true
}

func (r *Registry) UnsubscribeConversation(operatorID, conversationID string) {
	if operatorID == "" || conversationID == "" {
		return
	}
	shard := r.operatorShard(operatorID)
	shard.mu.Lock()
	if entry, ok := shard.operators[operatorID]; ok {
		delete(entry.convs, conversationID)
	}
	r.removeViewer(conversationID, operatorID)
	shard.mu.Unlock()
}

// removeViewer must be called with the operator's shard lock held.
func (r *Registry) removeViewer(conversationID, operatorID string) {
	cs := r.convShard(conversationID)
	cs.mu.Lock()
	if viewers, ok := cs.viewers[conversationID]; ok {
		delete(viewers, operatorID)
		if len(viewers) == 0 {
			delete(cs.viewers, conversationID)
		}
	}
	cs.mu.Unlock()
}

// SubscribeDashboard reports whether this call created the subscription.
func (r *Registry) SubscribeDashboard(operatorID string) bool {
	if operatorID == "" {
		return false
	}
	shard := r.operatorShard(operatorID)
	shard.mu.Lock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	created := !entry.dashboard
	entry.dashboard = true
	shard.mu.Unlock()
	return created
}

func (r *Registry) UnsubscribeDashboard(operatorID string) {
	if operatorID == "" {
		return
	}
	shard := r.operatorShard(operatorID)
	shard.mu.Lock()
	if entry, ok := shard.operators[operatorID]; ok {
		entry.dashboard = false
	}
	shard.mu.Unlock()
}

func (r *Registry) IsOnline(operatorID string) bool {
	shard := r.operatorShard(operatorID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.operators[operatorID]
	return ok && len(entry.conns) > 0
}

// IsSubscribed reports whether the operator is currently viewing the
// conversation. The ingress pipeline uses this for the immediate-read rule.
func (r *Registry) IsSubscribed(operatorID, conversationID string) bool {
	shard := r.operatorShard(operatorID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		return false
	}
	_, subscribed := entry.convs[conversationID]
	return subscribed
}

func (r *Registry) ListSubscriptions(operatorID string) []string {
	shard := r.operatorShard(operatorID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.convs))
	for convID := range entry.convs {
		out = append(out, convID)
	}
	sort.Strings(out)
	return out
}

// Connections returns a copy of the operator's live connection handles so
// sends can happen without holding any registry lock.
func (r *Registry) Connections(operatorID string) []*Connection {
	shard := r.operatorShard(operatorID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.operators[operatorID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(entry.conns))
	for _, c := range entry.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConversationSubscribers(conversationID string) []string {
	cs := r.convShard(conversationID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	viewers, ok := cs.viewers[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(viewers))
	for operatorID := range viewers {
		out = append(out, operatorID)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) DashboardSubscribers() []string {
	var out []string
	for _, shard := range r.shards {
		shard.mu.RLock()
		for operatorID, entry := range shard.operators {
			if entry.dashboard {
				out = append(out, operatorID)
			}
		}
		shard.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{}
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, entry := range shard.operators {
			stats.Connections += len(entry.conns)
			stats.Subscriptions += len(entry.convs)
			if entry.dashboard {
				stats.DashboardSubscribers++
			}
		}
		shard.mu.RUnlock()
	}
	return stats
}
