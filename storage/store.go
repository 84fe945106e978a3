package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/synapse/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the relational database behind the engine's durable-log
// contract: insert-if-absent by message id, history queries with a
// before-timestamp cursor, and roster lookups.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a store on an existing GORM database handle.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "storage")),
	}, nil
}

// AutoMigrate creates or updates the schema.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Group{}, &GroupMember{}, &Message{}, &User{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// CreateGroup creates a group and seeds the two members every group has: an
// Orchestrator and a User.
func (s *Store) CreateGroup(ctx context.Context, ownerID, name, orchestratorPrompt string) (*Group, error) {
	group := &Group{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Name:    name,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		members := []GroupMember{
			{ID: uuid.New().String(), GroupID: group.ID, Alias: types.SenderOrchestrator, SystemPrompt: orchestratorPrompt},
			{ID: uuid.New().String(), GroupID: group.ID, Alias: types.SenderUser},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	s.logger.Info("group created", zap.String("group_id", group.ID), zap.String("name", name))
	return group, nil
}

// GetGroup returns a group by id, or ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var group Group
	err := s.db.WithContext(ctx).First(&group, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// ListGroups returns all groups owned by the user.
func (s *Store) ListGroups(ctx context.Context, ownerID string) ([]Group, error) {
	var groups []Group
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// AddMember adds a configured agent to a group's roster.
func (s *Store) AddMember(ctx context.Context, groupID string, member types.GroupMember) (*GroupMember, error) {
	tools := ""
	if len(member.Tools) > 0 {
		data, err := json.Marshal(member.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool list: %w", err)
		}
		tools = string(data)
	}

	row := &GroupMember{
		ID:           uuid.New().String(),
		GroupID:      groupID,
		Alias:        member.Alias,
		SystemPrompt: member.SystemPrompt,
		Tools:        tools,
		Provider:     member.Provider,
		Model:        member.Model,
		Temperature:  member.Temperature,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	return row, nil
}

// ListMembers returns the roster snapshot used to build a TurnState.
func (s *Store) ListMembers(ctx context.Context, groupID string) ([]types.GroupMember, error) {
	var rows []GroupMember
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	members := make([]types.GroupMember, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.ToSnapshot())
	}
	return members, nil
}

// SaveTurnMessages durably appends a batch of messages for one turn inside a
// single transaction. Each insert is a no-op on a duplicate message id, so
// the whole batch can be retried after a failure without double rows. On any
// error the transaction rolls back and nothing is committed.
func (s *Store) SaveTurnMessages(ctx context.Context, groupID, turnID string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		meta, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message meta: %w", err)
		}
		createdAt := msg.Timestamp
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		rows = append(rows, Message{
			ID:          msg.ID,
			GroupID:     groupID,
			TurnID:      turnID,
			SenderAlias: msg.SenderAlias,
			Content:     msg.Content,
			Meta:        string(meta),
			CreatedAt:   createdAt,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return types.NewError(types.ErrPersistenceFailed, "failed to save turn messages").
			WithCause(err).
			WithRetryable(true)
	}
	return nil
}

// ListMessages returns up to limit messages for a group ordered newest
// first, restricted to rows created strictly before the cursor when one is
// given. The zero cursor means "from the latest".
func (s *Store) ListMessages(ctx context.Context, groupID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Where("group_id = ?", groupID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}

	var rows []Message
	err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return rows, nil
}

// CreateUser creates an account.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername returns an account by username, or ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
