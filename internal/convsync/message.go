package convsync

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// OutboundStatus is the delivery track of an outbound message. It advances
// only forward; provider callbacks reporting an earlier status are accepted
// but must not move the message back.
type OutboundStatus string

const (
	OutboundPending   OutboundStatus = "pending"
	OutboundSent      OutboundStatus = "sent"
	OutboundDelivered OutboundStatus = "delivered"
	OutboundRead      OutboundStatus = "read"
	OutboundFailed    OutboundStatus = "failed"
)

// InboundStatus is the local read track of an inbound message. There is no
// provider callback for this track; transitions happen only through mark-read
// actions inside this service.
type InboundStatus string

const (
	InboundReceived  InboundStatus = "received"
	InboundDelivered InboundStatus = "delivered"
	InboundRead      InboundStatus = "read"
)

var outboundRank = map[OutboundStatus]int{
	OutboundPending:   0,
	OutboundSent:      1,
	OutboundDelivered: 2,
	OutboundRead:      3,
}

// IsValidOutboundStatus reports whether s names a known delivery state,
// including the failed terminal.
func IsValidOutboundStatus(s OutboundStatus) bool {
	if s == OutboundFailed {
		return true
	}
	_, ok := outboundRank[s]
	return ok
}

// Advances reports whether moving the delivery track to next is a forward
// transition from current. failed is reachable from any non-terminal state;
// read is terminal.
func (current OutboundStatus) Advances(next OutboundStatus) bool {
	if next == OutboundFailed {
		return current != OutboundRead && current != OutboundFailed
	}
	currentRank, ok := outboundRank[current]
	if !ok {
		return false
	}
	nextRank, ok := outboundRank[next]
	if !ok {
		return false
	}
	return nextRank > currentRank
}

type Message struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	Direction         Direction      `json:"direction"`
	Content           string         `json:"content"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	OutboundStatus    OutboundStatus `json:"outboundStatus,omitempty"`
	InboundStatus     InboundStatus  `json:"inboundStatus,omitempty"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time     `json:"readAt,omitempty"`
	ReadBy            string         `json:"readBy,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

type Conversation struct {
	ID               string    `json:"id"`
	CustomerID       string    `json:"customerId"`
	AssignedOperator string    `json:"assignedOperator,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Assigned reports whether the conversation currently has an operator.
func (c *Conversation) Assigned() bool {
	return c != nil && c.AssignedOperator != ""
}
