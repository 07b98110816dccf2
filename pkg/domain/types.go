package domain

import (
	"strings"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"

	// legacy value written by older deployments
	senderLegacyAI Sender = "ai"
)

// ParseSender maps a stored sender value onto the enum. Unknown values
// are reported as not ok.
func ParseSender(raw string) (Sender, bool) {
	switch Sender(strings.ToLower(strings.TrimSpace(raw))) {
	case SenderUser:
		return SenderUser, true
	case SenderAssistant, senderLegacyAI:
		return SenderAssistant, true
	default:
		return "", false
	}
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Document is an uploaded file. FilePath is the opaque blob handle.
// FileSize is the byte count rendered as a decimal string.
type Document struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	FileName   string    `json:"fileName"`
	FilePath   string    `json:"filePath"`
	FileSize   string    `json:"fileSize"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Conversation is optionally anchored to a document; FileID is empty when it is not.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FileID    string    `json:"fileId,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sender         Sender         `json:"sender"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
