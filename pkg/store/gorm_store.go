package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docchat/pkg/domain"
)

const migrateLockID int64 = 51727201

const pgUniqueViolation = "23505"

// GormStore implements Store using GORM. Postgres is the production
// dialect; SQLite serves single-node deployments and tests.
type GormStore struct {
	db    *gorm.DB
	clock *clock
}

// NewPostgresStore opens a Postgres database and migrates the schema under an advisory lock.
func NewPostgresStore(dsn string) (*GormStore, error) {
	return NewGormStore(postgres.Open(dsn))
}

// NewSQLiteStore opens (or creates) a SQLite database file. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*GormStore, error) {
	return NewGormStore(sqlite.Open(path))
}

// NewGormStore opens the DB with the given dialector and runs auto-migrations.
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, unavailable("open", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// SQLite allows one writer; a single connection avoids busy errors
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, unavailable("migrate", err)
	}
	return &GormStore{db: db, clock: newClock()}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("close", err)
	}
	return unavailable("close", sqlDB.Close())
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, unavailable("get user", err)
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by normalized email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, unavailable("get user by email", err)
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts a user. The unique index on email is the final arbiter
// when two signups race past the existence check.
func (s *GormStore) CreateUser(ctx context.Context, email, passwordHash string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return domain.User{}, unavailable("check email", err)
	}
	if count > 0 {
		return domain.User{}, ErrDuplicateEmail
	}
	user := domain.User{
		ID:           newID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.clock.Now(),
	}
	model := userToModel(user)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, ErrDuplicateEmail
		}
		return domain.User{}, unavailable("create user", err)
	}
	return user, nil
}

// GetDocument retrieves a document by ID.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, unavailable("get document", err)
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns the owner's documents, newest upload first.
func (s *GormStore) ListDocumentsByOwner(ctx context.Context, userID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("uploaded_at DESC").
		Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, unavailable("list documents", err)
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// CreateDocument inserts a document, assigning its ID and upload time.
func (s *GormStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	doc.ID = newID()
	doc.UploadedAt = s.clock.Now()
	model := documentToModel(doc)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Document{}, unavailable("create document", err)
	}
	return doc, nil
}

// DeleteDocument removes the document record and clears file_id on conversations that referenced it.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ConversationModel{}).Where("file_id = ?", id).Update("file_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", id).Error
	})
	return unavailable("delete document", err)
}

// GetConversation retrieves a conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, unavailable("get conversation", err)
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByOwner returns the owner's conversations, newest first.
func (s *GormStore) ListConversationsByOwner(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, unavailable("list conversations", err)
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

// CreateConversation inserts a conversation.
func (s *GormStore) CreateConversation(ctx context.Context, conversation domain.Conversation) (domain.Conversation, error) {
	conversation.ID = newID()
	conversation.CreatedAt = s.clock.Now()
	model := conversationToModel(conversation)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Conversation{}, unavailable("create conversation", err)
	}
	return conversation, nil
}

// DeleteConversation removes messages, then the conversation, in one
// transaction. Deleting an absent conversation succeeds.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// taken first so a CreateMessage holding the share lock commits before messages are swept
		var parent []ConversationModel
		if err := s.lockRows(tx, "UPDATE").Select("id").Where("id = ?", id).Find(&parent).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
	return unavailable("delete conversation", err)
}

// ListMessagesByConversation returns messages oldest first.
func (s *GormStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, unavailable("list messages", err)
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// CreateMessage inserts a message.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = newID()
	msg.CreatedAt = s.clock.Now()
	model, err := messageToModel(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode metadata: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent []ConversationModel
		if err := s.lockRows(tx, "SHARE").Select("id").Where("id = ?", msg.ConversationID).Find(&parent).Error; err != nil {
			return err
		}
		if len(parent) == 0 {
			return ErrConversationNotFound
		}
		return tx.Create(&model).Error
	})
	if errors.Is(err, ErrConversationNotFound) {
		return domain.Message{}, err
	}
	if err != nil {
		return domain.Message{}, unavailable("create message", err)
	}
	return messageFromModel(model), nil
}

// lockRows adds a row lock on Postgres. SQLite runs on a single connection,
// so its transactions are already serialized.
func (s *GormStore) lockRows(tx *gorm.DB, strength string) *gorm.DB {
	if s.db.Dialector.Name() != "postgres" {
		return tx.Model(&ConversationModel{})
	}
	return tx.Model(&ConversationModel{}).Clauses(clause.Locking{Strength: strength})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
