package store

import (
	"context"

	"docchat/pkg/domain"
)

// Store defines persistence operations for users, documents, conversations, and messages.
// Lookups report absence through the bool result; errors are reserved for backend failures.
type Store interface {
	// users
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	CreateUser(ctx context.Context, email, passwordHash string) (domain.User, error)

	// documents
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ctx context.Context, userID string) ([]domain.Document, error)
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// conversations
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversationsByOwner(ctx context.Context, userID string) ([]domain.Conversation, error)
	CreateConversation(ctx context.Context, conversation domain.Conversation) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// messages
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]domain.Message, error)
	CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error)

	Close() error
}

// Backend names the store variant chosen at startup.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)
