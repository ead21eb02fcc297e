package convsync

import (
	"log/slog"
	"time"
)

type EnvelopeType string

const (
	EnvelopeNewMessage         EnvelopeType = "new_message"
	EnvelopeStatusUpdate       EnvelopeType = "message_status_update"
	EnvelopeMessagesRead       EnvelopeType = "messages_read"
	EnvelopeUnreadCount        EnvelopeType = "unread_count_update"
	EnvelopeConversationList   EnvelopeType = "conversation_list_update"
	EnvelopeAssignmentUpdated  EnvelopeType = "conversation_assignment_updated"
	EnvelopeSubscribed         EnvelopeType = "subscribed"
	EnvelopeUnreadSnapshot     EnvelopeType = "unread_snapshot"
	EnvelopePing               EnvelopeType = "ping"
	EnvelopePong               EnvelopeType = "pong"
)

// Envelope is the tagged payload pushed to operators.
type Envelope struct {
	Type              EnvelopeType   `json:"type"`
	ConversationID    string         `json:"conversationId,omitempty"`
	Message           *Message       `json:"message,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	Status            string         `json:"status,omitempty"`
	OperatorID        string         `json:"operatorId,omitempty"`
	Count             *int           `json:"count,omitempty"`
	Counts            map[string]int `json:"counts,omitempty"`
	Marked            int            `json:"marked,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

func countPtr(n int) *int { return &n }

// Broadcaster fans envelopes out to live connections. Recipient sets are
// snapshots taken from the registry, so no registry lock is held while a
// write is in flight; a connection whose write fails is pruned and the rest
// of the fan-out continues.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
}

func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, log: logger}
}

// Send delivers the envelope to every live connection of one operator.
func (b *Broadcaster) Send(operatorID string, env Envelope) {
	if operatorID == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	for _, c := range b.registry.Connections(operatorID) {
		if err := c.conn.WriteEnvelope(env); err != nil {
			b.log.Warn("pruning stale connection",
				slog.String("operator", operatorID),
				slog.String("connection", c.ID),
				slog.Any("error", err))
			b.registry.Disconnect(c)
		}
	}
}

// BroadcastConversation delivers to every operator currently viewing the
// conversation. Zero subscribers is a silent no-op.
func (b *Broadcaster) BroadcastConversation(conversationID string, env Envelope) {
	if conversationID == "" {
		return
	}
	if env.ConversationID == "" {
		env.ConversationID = conversationID
	}
	for _, operatorID := range b.registry.ConversationSubscribers(conversationID) {
		b.Send(operatorID, env)
	}
}

// BroadcastDashboard delivers to every dashboard subscriber.
func (b *Broadcaster) BroadcastDashboard(env Envelope) {
	for _, operatorID := range b.registry.DashboardSubscribers() {
		b.Send(operatorID, env)
	}
}
