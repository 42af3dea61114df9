package persist

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// LocalState is one persisted record. Item is the hidden message id for
// hidden rows and empty otherwise.
type LocalState struct {
	Id             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserId         string `gorm:"column:user_id;size:64;uniqueIndex:uk_local_state"`
	ConversationId string `gorm:"column:conversation_id;size:64;uniqueIndex:uk_local_state"`
	Kind           string `gorm:"column:kind;size:16;uniqueIndex:uk_local_state"`
	Item           string `gorm:"column:item;size:64;uniqueIndex:uk_local_state"`
	MessageId      string `gorm:"column:message_id;size:64"`
	MessageAt      int64  `gorm:"column:message_at"`
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

// TableName returns the table name for LocalState
func (LocalState) TableName() string {
	return "rt_local_state"
}

// GormStore keeps state in a SQL database through gorm
type GormStore struct {
	db     *gorm.DB
	userId string
}

// NewGormStore opens a MySQL database and migrates the state table
func NewGormStore(dsn, userId string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewGormStoreWithDB(db, userId)
}

// NewGormStoreWithDB wraps an open gorm database
func NewGormStoreWithDB(db *gorm.DB, userId string) (*GormStore, error) {
	if err := db.AutoMigrate(&LocalState{}); err != nil {
		return nil, fmt.Errorf("migrate local state: %w", err)
	}
	return &GormStore{db: db, userId: userId}, nil
}

func (s *GormStore) Load(ctx context.Context) (*State, error) {
	var rows []LocalState
	if err := s.db.WithContext(ctx).Where("user_id = ?", s.userId).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	state := NewState()
	for _, r := range rows {
		switch r.Kind {
		case kindLastRead:
			state.LastRead[r.ConversationId] = r.MessageId
		case kindCursor:
			state.Cursors[r.ConversationId] = Cursor{MessageID: r.MessageId, CreatedAt: time.UnixMilli(r.MessageAt).UTC()}
		case kindHidden:
			state.Hidden[r.ConversationId] = appendUnique(state.Hidden[r.ConversationId], r.Item)
		}
	}
	return state, nil
}

func (s *GormStore) upsert(ctx context.Context, row *LocalState) error {
	row.UserId = s.userId
	row.UpdatedAt = time.Now().UnixMilli()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}, {Name: "kind"}, {Name: "item"}},
		DoUpdates: clause.AssignmentColumns([]string{"message_id", "message_at", "updated_at"}),
	}).Create(row).Error
}

func (s *GormStore) SaveLastRead(ctx context.Context, conversationId, messageId string) error {
	return s.upsert(ctx, &LocalState{ConversationId: conversationId, Kind: kindLastRead, MessageId: messageId})
}

func (s *GormStore) SaveCursor(ctx context.Context, conversationId string, cursor Cursor) error {
	return s.upsert(ctx, &LocalState{
		ConversationId: conversationId,
		Kind:           kindCursor,
		MessageId:      cursor.MessageID,
		MessageAt:      cursor.CreatedAt.UnixMilli(),
	})
}

func (s *GormStore) AddHidden(ctx context.Context, conversationId, messageId string) error {
	row := &LocalState{
		UserId:         s.userId,
		ConversationId: conversationId,
		Kind:           kindHidden,
		Item:           messageId,
		MessageId:      messageId,
		UpdatedAt:      time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (s *GormStore) ForgetConversation(ctx context.Context, conversationId string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", s.userId, conversationId).
		Delete(&LocalState{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
