package convsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageStore is the durable owner of conversations and messages. It is the
// tie-breaker whenever the unread ledger and reality disagree: reconciliation
// always recomputes from here.
type MessageStore interface {
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FindConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error)
	CreateConversation(ctx context.Context, customerID string) (*Conversation, error)
	SetAssignedOperator(ctx context.Context, conversationID, operatorID string) error
	GetAssignedOperator(ctx context.Context, conversationID string) (string, error)

	InsertMessage(ctx context.Context, msg *Message) error
	FindMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	MarkConversationRead(ctx context.Context, conversationID, operatorID string, at time.Time) (int, error)
	CountUnread(ctx context.Context, conversationID string) (int, error)
}

type memoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	byCustomer    map[string]string
	messages      map[string]*Message
	providerIndex map[string]string
	byConv        map[string][]string
}

// NewMemoryStore returns an in-memory MessageStore for tests and local runs.
func NewMemoryStore() MessageStore {
	return &memoryStore{
		conversations: map[string]*Conversation{},
		byCustomer:    map[string]string{},
		messages:      map[string]*Message{},
		providerIndex: map[string]string{},
		byConv:        map[string][]string{},
	}
}

func (s *memoryStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *memoryStore) FindConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.conversations[id]
	return &copied, nil
}

func (s *memoryStore) CreateConversation(ctx context.Context, customerID string) (*Conversation, error) {
	if customerID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byCustomer[customerID]; ok {
		copied := *s.conversations[id]
		return &copied, nil
	}
	now := time.Now().UTC()
	conv := &Conversation{
		ID:         "conv_" + uuid.NewString(),
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[conv.ID] = conv
	s.byCustomer[customerID] = conv.ID
	copied := *conv
	return &copied, nil
}

func (s *memoryStore) SetAssignedOperator(ctx context.Context, conversationID, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.AssignedOperator = operatorID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) GetAssignedOperator(ctx context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return conv.AssignedOperator, nil
}

func (s *memoryStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ConversationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ProviderMessageID != "" {
		if _, exists := s.providerIndex[msg.ProviderMessageID]; exists {
			return ErrDuplicateMessage
		}
	}
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	copied := *msg
	s.messages[msg.ID] = &copied
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	if msg.ProviderMessageID != "" {
		s.providerIndex[msg.ProviderMessageID] = msg.ID
	}
	return nil
}

func (s *memoryStore) FindMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.providerIndex[providerMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.messages[id]
	return &copied, nil
}

func (s *memoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	copied := *msg
	*existing = copied
	if msg.ProviderMessageID != "" {
		s.providerIndex[msg.ProviderMessageID] = msg.ID
	}
	return nil
}

func (s *memoryStore) MarkConversationRead(ctx context.Context, conversationID, operatorID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}
	marked := 0
	for _, id := range s.byConv[conversationID] {
		msg := s.messages[id]
		if msg.Direction != DirectionInbound || msg.InboundStatus == InboundRead {
			continue
		}
		msg.InboundStatus = InboundRead
		readAt := at
		msg.ReadAt = &readAt
		msg.ReadBy = operatorID
		marked++
	}
	return marked, nil
}

func (s *memoryStore) CountUnread(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.byConv[conversationID] {
		msg := s.messages[id]
		if msg.Direction == DirectionInbound && msg.InboundStatus != InboundRead {
			count++
		}
	}
	return count, nil
}

// newMessageID is shared by store implementations that mint IDs outside the
// database.
func newMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.NewString())
}
