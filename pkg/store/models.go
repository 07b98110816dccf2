package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"docchat/pkg/domain"
)

// GORM models used for persistence. Column tags are the wire names of the
// relational schema; the *ToModel/*FromModel pairs below are the only place
// where wire and in-process names meet.
type UserModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Email     string    `gorm:"column:email;uniqueIndex;not null"`
	Password  string    `gorm:"column:password;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (UserModel) TableName() string { return "users" }

type DocumentModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	UserID     string    `gorm:"column:user_id;not null;index"`
	FileName   string    `gorm:"column:file_name;not null"`
	FilePath   string    `gorm:"column:file_path;not null"`
	FileSize   string    `gorm:"column:file_size;not null"`
	UploadedAt time.Time `gorm:"column:uploaded_at;not null;index"`
}

func (DocumentModel) TableName() string { return "files" }

type ConversationModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;not null;index"`
	FileID    *string   `gorm:"column:file_id;index"`
	Title     string    `gorm:"column:title;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

func (ConversationModel) TableName() string { return "conversations" }

type MessageModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	ConversationID string         `gorm:"column:conversation_id;not null;index"`
	Sender         string         `gorm:"column:sender;not null"`
	Content        string         `gorm:"column:content;not null"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index"`
}

func (MessageModel) TableName() string { return "messages" }

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Password:  u.PasswordHash,
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.Password,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:         d.ID,
		UserID:     d.UserID,
		FileName:   d.FileName,
		FilePath:   d.FilePath,
		FileSize:   d.FileSize,
		UploadedAt: d.UploadedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:         m.ID,
		UserID:     m.UserID,
		FileName:   m.FileName,
		FilePath:   m.FilePath,
		FileSize:   m.FileSize,
		UploadedAt: m.UploadedAt.UTC(),
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	var fileID *string
	if c.FileID != "" {
		id := c.FileID
		fileID = &id
	}
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.UserID,
		FileID:    fileID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	conversation := domain.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.FileID != nil {
		conversation.FileID = *m.FileID
	}
	return conversation
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         string(msg.Sender),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return MessageModel{}, err
		}
		model.Metadata = datatypes.JSON(raw)
	}
	return model, nil
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if sender, ok := domain.ParseSender(m.Sender); ok {
		msg.Sender = sender
	} else {
		msg.Sender = domain.Sender(m.Sender)
	}
	if len(m.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(m.Metadata, &meta); err == nil && len(meta) > 0 {
			msg.Metadata = meta
		}
	}
	return msg
}
