package convsync

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ActionMarkRead is the authorization action for batch mark-read.
const ActionMarkRead = "conversation:mark_read"

// Authorizer answers whether an operator may perform an action on a
// conversation. Identity itself is resolved by the HTTP layer; this is the
// narrow contract the core consumes.
type Authorizer interface {
	Authorize(ctx context.Context, operatorID, conversationID, action string) (bool, error)
}

// AssigneeAuthorizer permits an action only to the conversation's assigned
// operator. It is the default policy for mark-read.
type AssigneeAuthorizer struct {
	Store MessageStore
}

func (a AssigneeAuthorizer) Authorize(ctx context.Context, operatorID, conversationID, action string) (bool, error) {
	assignee, err := a.Store.GetAssignedOperator(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return assignee != "" && assignee == operatorID, nil
}

const messageLockCount = 64

type keyedMutex struct {
	locks [messageLockCount]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.locks[h.Sum32()%messageLockCount]
	m.Lock()
	return m.Unlock
}

// Messages drives the two per-message state machines against the store.
// Transitions for a single message are serialized on a keyed mutex so
// concurrently delivered provider callbacks cannot interleave reads and
// writes of the same row.
type Messages struct {
	store MessageStore
	auth  Authorizer
	locks keyedMutex
	clock func() time.Time
}

func NewMessages(store MessageStore, auth Authorizer) *Messages {
	if auth == nil {
		auth = AssigneeAuthorizer{Store: store}
	}
	return &Messages{
		store: store,
		auth:  auth,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// CreateInbound stores a customer message in the received state. It is
// idempotent on the provider message identifier: a replayed creation event
// returns ErrDuplicateMessage and writes nothing.
func (m *Messages) CreateInbound(ctx context.Context, conversationID, content, providerMessageID string) (*Message, error) {
	if conversationID == "" || providerMessageID == "" {
		return nil, ErrInvalidInput
	}
	msg := &Message{
		ConversationID:    conversationID,
		Direction:         DirectionInbound,
		Content:           content,
		ProviderMessageID: providerMessageID,
		InboundStatus:     InboundReceived,
		CreatedAt:         m.clock(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// CreateOutbound stores an operator (or AI responder) message in the pending
// state. The provider message identifier is attached once the send attempt
// resolves.
func (m *Messages) CreateOutbound(ctx context.Context, conversationID, content string) (*Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	msg := &Message{
		ConversationID: conversationID,
		Direction:      DirectionOutbound,
		Content:        content,
		OutboundStatus: OutboundPending,
		CreatedAt:      m.clock(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecordSendResult resolves a pending outbound message after the local send
// attempt: sent with the provider's identifier, or failed.
func (m *Messages) RecordSendResult(ctx context.Context, msg *Message, providerMessageID string, sendErr error) (*Message, error) {
	if msg == nil || msg.Direction != DirectionOutbound {
		return nil, ErrInvalidInput
	}
	unlock := m.locks.lock(msg.ID)
	defer unlock()
	now := m.clock()
	if sendErr != nil {
		msg.OutboundStatus = OutboundFailed
	} else {
		msg.OutboundStatus = OutboundSent
		msg.ProviderMessageID = providerMessageID
		msg.SentAt = &now
	}
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ApplyProviderStatus applies a delivery-status callback to the outbound
// track. Callbacks may arrive out of order; a status that does not advance
// the track is accepted as a no-op with updated=false, so replays and late
// arrivals never regress state or timestamps. An unknown provider message id
// returns ErrNotFound for the caller to log and skip.
func (m *Messages) ApplyProviderStatus(ctx context.Context, providerMessageID string, status OutboundStatus, at time.Time) (bool, *Message, error) {
	if providerMessageID == "" {
		return false, nil, ErrInvalidInput
	}
	if !IsValidOutboundStatus(status) {
		return false, nil, ErrInvalidInput
	}
	unlock := m.locks.lock(providerMessageID)
	defer unlock()

	msg, err := m.store.FindMessageByProviderID(ctx, providerMessageID)
	if err != nil {
		return false, nil, err
	}
	if msg.Direction != DirectionOutbound {
		return false, msg, nil
	}
	if !msg.OutboundStatus.Advances(status) {
		return false, msg, nil
	}
	if at.IsZero() {
		at = m.clock()
	}
	stamp := at
	msg.OutboundStatus = status
	switch status {
	case OutboundSent:
		msg.SentAt = &stamp
	case OutboundDelivered:
		msg.DeliveredAt = &stamp
	case OutboundRead:
		msg.ReadAt = &stamp
	}
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		return false, nil, err
	}
	return true, msg, nil
}

// MarkRead transitions every not-yet-read inbound message of the
// conversation to read, stamping time and reader. Zero marked is a valid
// result. Only the assigned operator may call this; anyone else gets
// ErrPermissionDenied and nothing changes.
func (m *Messages) MarkRead(ctx context.Context, conversationID, operatorID string) (int, error) {
	if conversationID == "" || operatorID == "" {
		return 0, ErrInvalidInput
	}
	allowed, err := m.auth.Authorize(ctx, operatorID, conversationID, ActionMarkRead)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if !allowed {
		return 0, ErrPermissionDenied
	}
	return m.store.MarkConversationRead(ctx, conversationID, operatorID, m.clock())
}

// markReadImmediately applies the active-viewer rule: a freshly created
// inbound message is read on arrival because its assigned operator is
// watching the conversation right now.
func (m *Messages) markReadImmediately(ctx context.Context, msg *Message, operatorID string) error {
	if msg == nil || msg.Direction != DirectionInbound {
		return ErrInvalidInput
	}
	unlock := m.locks.lock(msg.ID)
	defer unlock()
	now := m.clock()
	msg.InboundStatus = InboundRead
	msg.ReadAt = &now
	msg.ReadBy = operatorID
	return m.store.UpdateMessage(ctx, msg)
}
