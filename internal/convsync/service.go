package convsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inboxworks/convsync/internal/eventbus"
)

const (
	eventTypeInbound = "message.inbound.v1"
	eventTypeStatus  = "message.status.v1"

	routingKeyInbound = "conversation.message.inbound"
	routingKeyStatus  = "conversation.message.status"
)

// Service ties the registry, ledger, state machines, and broadcaster
// together. Webhook sub-events arrive here from the pipeline workers; manual
// operator actions arrive here straight from the HTTP layer.
type Service struct {
	store       MessageStore
	messages    *Messages
	ledger      *Ledger
	registry    *Registry
	broadcaster *Broadcaster
	provider    ProviderClient
	publisher   eventbus.Publisher
	log         *slog.Logger
}

type ServiceOptions struct {
	Store      MessageStore
	Authorizer Authorizer
	Registry   *Registry
	Provider   ProviderClient
	Publisher  eventbus.Publisher
	Logger     *slog.Logger
}

func NewService(opts ServiceOptions) *Service {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Provider == nil {
		opts.Provider = NoopProviderClient{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = eventbus.NewFallback(opts.Logger)
	}
	return &Service{
		store:       opts.Store,
		messages:    NewMessages(opts.Store, opts.Authorizer),
		ledger:      NewLedger(opts.Store, opts.Registry),
		registry:    opts.Registry,
		broadcaster: NewBroadcaster(opts.Registry, opts.Logger),
		provider:    opts.Provider,
		publisher:   opts.Publisher,
		log:         opts.Logger,
	}
}

func (s *Service) Registry() *Registry       { return s.registry }
func (s *Service) Ledger() *Ledger           { return s.ledger }
func (s *Service) Messages() *Messages       { return s.messages }
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }
func (s *Service) Store() MessageStore       { return s.store }

// HandleInboundMessage ingests one provider message-creation event: create
// the message, apply the active-viewer read rule, reconcile counts, and fan
// out notifications. Replayed events (duplicate provider message id) are
// absorbed silently.
func (s *Service) HandleInboundMessage(ctx context.Context, ev InboundMessageEvent) error {
	conv, err := s.store.FindConversationByCustomer(ctx, ev.From)
	if errors.Is(err, ErrNotFound) {
		conv, err = s.store.CreateConversation(ctx, ev.From)
	}
	if err != nil {
		return err
	}

	msg, err := s.messages.CreateInbound(ctx, conv.ID, ev.Text.Body, ev.ID)
	if errors.Is(err, ErrDuplicateMessage) {
		s.log.Info("skipping replayed inbound message",
			slog.String("providerMessageId", ev.ID),
			slog.String("conversation", conv.ID))
		return nil
	}
	if err != nil {
		return err
	}

	assignee := conv.AssignedOperator
	if assignee != "" && s.registry.IsSubscribed(assignee, conv.ID) {
		// The assigned operator is watching right now: the message is read
		// on arrival and never counts as unread.
		if err := s.messages.markReadImmediately(ctx, msg, assignee); err != nil {
			return err
		}
		s.ledger.Reset(assignee, conv.ID)
	} else if assignee != "" {
		s.ledger.Increment(assignee, conv.ID)
	}

	counts, err := s.ledger.Reconcile(ctx, conv.ID)
	if err != nil {
		return err
	}

	s.broadcaster.BroadcastConversation(conv.ID, Envelope{
		Type:    EnvelopeNewMessage,
		Message: msg,
	})
	s.pushCounts(conv.ID, counts)
	s.broadcaster.BroadcastDashboard(Envelope{
		Type:           EnvelopeConversationList,
		ConversationID: conv.ID,
	})

	s.publishEvent(ctx, routingKeyInbound, eventTypeInbound, map[string]any{
		"conversationId":    conv.ID,
		"messageId":         msg.ID,
		"providerMessageId": msg.ProviderMessageID,
		"customerId":        conv.CustomerID,
		"content":           msg.Content,
	})
	return nil
}

// HandleStatusUpdate ingests one provider delivery-status event. An unknown
// provider message id is logged and skipped; a non-advancing status is a
// silent no-op.
func (s *Service) HandleStatusUpdate(ctx context.Context, ev StatusEvent) error {
	at := parseEpoch(ev.Timestamp)
	updated, msg, err := s.messages.ApplyProviderStatus(ctx, ev.ID, OutboundStatus(ev.Status), at)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("status update for unknown message",
			slog.String("providerMessageId", ev.ID),
			slog.String("status", ev.Status))
		return nil
	}
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	s.broadcaster.BroadcastConversation(msg.ConversationID, Envelope{
		Type:              EnvelopeStatusUpdate,
		ProviderMessageID: msg.ProviderMessageID,
		Status:            string(msg.OutboundStatus),
	})
	s.publishEvent(ctx, routingKeyStatus, eventTypeStatus, map[string]any{
		"conversationId":    msg.ConversationID,
		"messageId":         msg.ID,
		"providerMessageId": msg.ProviderMessageID,
		"status":            string(msg.OutboundStatus),
	})
	return nil
}

// MarkRead is the operator-initiated batch action. The permission check is
// delegated to the authorizer; a rejected caller mutates nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, operatorID string) (int, error) {
	marked, err := s.messages.MarkRead(ctx, conversationID, operatorID)
	if err != nil {
		return 0, err
	}
	s.ledger.Reset(operatorID, conversationID)
	counts, err := s.ledger.Reconcile(ctx, conversationID)
	if err != nil {
		return marked, err
	}
	s.broadcaster.BroadcastConversation(conversationID, Envelope{
		Type:       EnvelopeMessagesRead,
		OperatorID: operatorID,
		Marked:     marked,
	})
	s.pushCounts(conversationID, counts)
	return marked, nil
}

// AssignOperator changes the conversation's assignee (empty operatorID
// unassigns) and rebalances the ledger: reconciliation clears the count for
// everyone who is not the new owner.
func (s *Service) AssignOperator(ctx context.Context, conversationID, operatorID string) error {
	if err := s.store.SetAssignedOperator(ctx, conversationID, operatorID); err != nil {
		return err
	}
	counts, err := s.ledger.Reconcile(ctx, conversationID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:           EnvelopeAssignmentUpdated,
		ConversationID: conversationID,
		OperatorID:     operatorID,
	}
	s.broadcaster.BroadcastConversation(conversationID, env)
	s.broadcaster.BroadcastDashboard(env)
	s.pushCounts(conversationID, counts)
	return nil
}

// SendOutbound creates a pending outbound message, attempts the provider
// send, records the result, and notifies conversation subscribers.
func (s *Service) SendOutbound(ctx context.Context, conversationID, content string) (*Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := s.messages.CreateOutbound(ctx, conversationID, content)
	if err != nil {
		return nil, err
	}
	providerMessageID, sendErr := s.provider.Send(ctx, conv.CustomerID, content)
	msg, err = s.messages.RecordSendResult(ctx, msg, providerMessageID, sendErr)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastConversation(conversationID, Envelope{
		Type:    EnvelopeNewMessage,
		Message: msg,
	})
	if sendErr != nil {
		s.log.Warn("provider send failed",
			slog.String("conversation", conversationID),
			slog.String("message", msg.ID),
			slog.Any("error", sendErr))
	}
	return msg, nil
}

// SubscribeConversation registers the viewing subscription and, when newly
// created, acknowledges it and pushes the conversation's current unread
// count to the subscriber.
func (s *Service) SubscribeConversation(ctx context.Context, operatorID, conversationID string) bool {
	created := s.registry.SubscribeConversation(operatorID, conversationID)
	if !created {
		return false
	}
	s.broadcaster.Send(operatorID, Envelope{
		Type:           EnvelopeSubscribed,
		ConversationID: conversationID,
	})
	counts, err := s.ledger.Reconcile(ctx, conversationID)
	if err != nil {
		s.log.Warn("reconcile on subscribe failed",
			slog.String("conversation", conversationID),
			slog.Any("error", err))
		return true
	}
	if count, ok := counts[operatorID]; ok {
		s.broadcaster.Send(operatorID, Envelope{
			Type:           EnvelopeUnreadCount,
			ConversationID: conversationID,
			Count:          countPtr(count),
		})
	}
	return true
}

func (s *Service) UnsubscribeConversation(operatorID, conversationID string) {
	s.registry.UnsubscribeConversation(operatorID, conversationID)
}

// SubscribeDashboard registers the aggregate subscription and pushes the
// operator's current unread snapshot.
func (s *Service) SubscribeDashboard(operatorID string) bool {
	created := s.registry.SubscribeDashboard(operatorID)
	if created {
		s.broadcaster.Send(operatorID, Envelope{
			Type:   EnvelopeUnreadSnapshot,
			Counts: s.ledger.Get(operatorID),
		})
	}
	return created
}

func (s *Service) UnsubscribeDashboard(operatorID string) {
	s.registry.UnsubscribeDashboard(operatorID)
}

// OnConnect pushes the cached unread snapshot to a freshly connected
// operator so every device starts from the same counts.
func (s *Service) OnConnect(operatorID string) {
	s.broadcaster.Send(operatorID, Envelope{
		Type:   EnvelopeUnreadSnapshot,
		Counts: s.ledger.Get(operatorID),
	})
}

// Logout tears the operator's session down: ledger entries are dropped.
// Plain disconnects never reach here.
func (s *Service) Logout(operatorID string) {
	s.ledger.Forget(operatorID)
}

func (s *Service) pushCounts(conversationID string, counts map[string]int) {
	for operatorID, count := range counts {
		s.broadcaster.Send(operatorID, Envelope{
			Type:           EnvelopeUnreadCount,
			ConversationID: conversationID,
			Count:          countPtr(count),
		})
	}
}

func (s *Service) publishEvent(ctx context.Context, key, eventType string, data map[string]any) {
	err := s.publisher.Publish(ctx, key, eventbus.Event{
		Meta: eventbus.Meta{EventType: eventType, OccurredAt: time.Now().UTC()},
		Data: data,
	})
	if err != nil {
		s.log.Warn("event publish failed", slog.String("key", key), slog.Any("error", err))
	}
}
