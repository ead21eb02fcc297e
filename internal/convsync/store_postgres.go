package convsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresConversationsTable = "convsync_conversations"
	postgresMessagesTable      = "convsync_messages"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists conversations and messages in PostgreSQL. The
// connection opens lazily on first use, and schema creation is idempotent.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresConversationsTable + ` (
				id TEXT PRIMARY KEY,
				customer_id TEXT NOT NULL UNIQUE,
				assigned_operator TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresMessagesTable + ` (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				direction TEXT NOT NULL,
				content TEXT NOT NULL,
				provider_message_id TEXT,
				outbound_status TEXT NOT NULL DEFAULT '',
				inbound_status TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMPTZ,
				delivered_at TIMESTAMPTZ,
				read_at TIMESTAMPTZ,
				read_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS convsync_messages_provider_id
				ON ` + postgresMessagesTable + ` (provider_message_id)
				WHERE provider_message_id IS NOT NULL AND provider_message_id <> ''`,
			`CREATE INDEX IF NOT EXISTS convsync_messages_conversation
				ON ` + postgresMessagesTable + ` (conversation_id)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, assigned_operator, created_at, updated_at
		FROM `+postgresConversationsTable+` WHERE id = $1`, conversationID)
	return scanConversation(row)
}

func (s *PostgresStore) FindConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, assigned_operator, created_at, updated_at
		FROM `+postgresConversationsTable+` WHERE customer_id = $1`, customerID)
	return scanConversation(row)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, customerID string) (*Conversation, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	conv := &Conversation{
		ID:         "conv_" + uuid.NewString(),
		CustomerID: customerID,
		CreatedAt:  time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+postgresConversationsTable+` (id, customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)`, conv.ID, conv.CustomerID, conv.CreatedAt)
	if isUniqueViolation(err) {
		// Concurrent creation for the same customer; hand back the winner.
		return s.FindConversationByCustomer(ctx, customerID)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PostgresStore) SetAssignedOperator(ctx context.Context, conversationID, operatorID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE `+postgresConversationsTable+`
		SET assigned_operator = $2, updated_at = NOW()
		WHERE id = $1`, conversationID, operatorID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetAssignedOperator(ctx context.Context, conversationID string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var operator string
	err := s.db.QueryRowContext(ctx, `
		SELECT assigned_operator FROM `+postgresConversationsTable+` WHERE id = $1`,
		conversationID).Scan(&operator)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return operator, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ConversationID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+postgresMessagesTable+`
			(id, conversation_id, direction, content, provider_message_id,
			 outbound_status, inbound_status, sent_at, delivered_at, read_at, read_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ConversationID, string(msg.Direction), msg.Content,
		nullString(msg.ProviderMessageID),
		string(msg.OutboundStatus), string(msg.InboundStatus),
		nullTime(msg.SentAt), nullTime(msg.DeliveredAt), nullTime(msg.ReadAt),
		msg.ReadBy, msg.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	return err
}

func (s *PostgresStore) FindMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	if strings.TrimSpace(providerMessageID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, direction, content, provider_message_id,
			outbound_status, inbound_status, sent_at, delivered_at, read_at, read_by, created_at
		FROM `+postgresMessagesTable+` WHERE provider_message_id = $1`, providerMessageID)
	return scanMessage(row)
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE `+postgresMessagesTable+`
		SET provider_message_id = $2, outbound_status = $3, inbound_status = $4,
			sent_at = $5, delivered_at = $6, read_at = $7, read_by = $8
		WHERE id = $1`,
		msg.ID, nullString(msg.ProviderMessageID),
		string(msg.OutboundStatus), string(msg.InboundStatus),
		nullTime(msg.SentAt), nullTime(msg.DeliveredAt), nullTime(msg.ReadAt), msg.ReadBy)
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, operatorID string, at time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE `+postgresMessagesTable+`
		SET inbound_status = $3, read_by = $4, read_at = $5
		WHERE conversation_id = $1 AND direction = $2 AND inbound_status <> $3`,
		conversationID, string(DirectionInbound), string(InboundRead), operatorID, at)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, conversationID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+postgresMessagesTable+`
		WHERE conversation_id = $1 AND direction = $2 AND inbound_status <> $3`,
		conversationID, string(DirectionInbound), string(InboundRead)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.CustomerID, &conv.AssignedOperator, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		direction   string
		outbound    string
		inbound     string
		providerID  sql.NullString
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		readAt      sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &direction, &msg.Content, &providerID,
		&outbound, &inbound, &sentAt, &deliveredAt, &readAt, &msg.ReadBy, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Direction = Direction(direction)
	msg.OutboundStatus = OutboundStatus(outbound)
	msg.InboundStatus = InboundStatus(inbound)
	msg.ProviderMessageID = providerID.String
	if sentAt.Valid {
		t := sentAt.Time
		msg.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	return &msg, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
