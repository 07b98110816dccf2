package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docchat/internal/util"
	"docchat/pkg/domain"
	"docchat/pkg/store"
)

// ChatInput is one chat turn. Exactly one of DocumentID and ConversationID
// must be set.
type ChatInput struct {
	Message        string
	DocumentID     string
	ConversationID string
}

// ChatReply is the assistant's answer and the conversation it belongs to.
type ChatReply struct {
	Reply          string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// Chat runs one turn: resolve or start the conversation, record the user's
// message, prompt the model with document text and recent history, and
// record the reply. A failed completion leaves only the user's message.
func (a *App) Chat(ctx context.Context, user domain.User, in ChatInput) (ChatReply, error) {
	message := strings.TrimSpace(in.Message)
	documentID := strings.TrimSpace(in.DocumentID)
	conversationID := strings.TrimSpace(in.ConversationID)
	switch {
	case message == "":
		return ChatReply{}, fmt.Errorf("%w: message is required", ErrBadRequest)
	case documentID == "" && conversationID == "":
		return ChatReply{}, fmt.Errorf("%w: either conversationId or documentId is required", ErrBadRequest)
	case documentID != "" && conversationID != "":
		return ChatReply{}, fmt.Errorf("%w: conversationId and documentId are mutually exclusive", ErrBadRequest)
	}

	var (
		conversation domain.Conversation
		documentText string
		err          error
	)
	if conversationID != "" {
		conversation, documentText, err = a.resumeConversation(ctx, user, conversationID)
	} else {
		conversation, documentText, err = a.startConversation(ctx, user, documentID)
	}
	if err != nil {
		return ChatReply{}, err
	}

	if _, err := a.store.CreateMessage(ctx, domain.Message{
		ConversationID: conversation.ID,
		Sender:         domain.SenderUser,
		Content:        message,
	}); err != nil {
		return ChatReply{}, messageSaveError("save user message", conversation.ID, err)
	}
	messages, err := a.store.ListMessagesByConversation(ctx, conversation.ID)
	if err != nil {
		return ChatReply{}, fmt.Errorf("load history: %w", err)
	}
	window := historyWindow(messages)
	prompt := BuildPrompt(documentText, window, message)

	reply, err := a.complete(ctx, prompt)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("completion failed", "conversation_id", conversation.ID, "err", err)
		return ChatReply{}, fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}

	metadata := map[string]any{"historyMessages": len(window)}
	if conversation.FileID != "" {
		metadata["documentId"] = conversation.FileID
	}
	if _, err := a.store.CreateMessage(ctx, domain.Message{
		ConversationID: conversation.ID,
		Sender:         domain.SenderAssistant,
		Content:        reply,
		Metadata:       metadata,
	}); err != nil {
		return ChatReply{}, messageSaveError("save assistant message", conversation.ID, err)
	}
	return ChatReply{Reply: reply, ConversationID: conversation.ID}, nil
}

// messageSaveError reports a conversation deleted while the turn was running
// as NotFound; the reply is dropped with it.
func messageSaveError(op, conversationID string, err error) error {
	if errors.Is(err, store.ErrConversationNotFound) {
		return fmt.Errorf("%w: conversation %s was deleted", ErrNotFound, conversationID)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (a *App) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.completionTimeout)
	defer cancel()
	reply, err := a.generator.GenerateText(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty reply")
	}
	return reply, nil
}

// startConversation extracts the document text before creating the
// conversation so a failed extraction leaves nothing behind.
func (a *App) startConversation(ctx context.Context, user domain.User, documentID string) (domain.Conversation, string, error) {
	doc, err := a.ownedDocument(ctx, user, documentID)
	if err != nil {
		return domain.Conversation{}, "", err
	}
	text, err := a.DocumentText(ctx, doc)
	if err != nil {
		return domain.Conversation{}, "", err
	}
	conversation, err := a.store.CreateConversation(ctx, domain.Conversation{
		UserID: user.ID,
		FileID: doc.ID,
		Title:  "Chat about " + doc.FileName,
	})
	if err != nil {
		return domain.Conversation{}, "", fmt.Errorf("create conversation: %w", err)
	}
	return conversation, text, nil
}

// resumeConversation reattaches document text on every turn of an anchored
// conversation, as long as the document still exists.
func (a *App) resumeConversation(ctx context.Context, user domain.User, conversationID string) (domain.Conversation, string, error) {
	conversation, err := a.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return domain.Conversation{}, "", err
	}
	if conversation.FileID == "" {
		return conversation, "", nil
	}
	doc, ok, err := a.store.GetDocument(ctx, conversation.FileID)
	if err != nil {
		return domain.Conversation{}, "", fmt.Errorf("load document: %w", err)
	}
	if !ok || doc.UserID != user.ID {
		return conversation, "", nil
	}
	text, err := a.DocumentText(ctx, doc)
	if err != nil {
		return domain.Conversation{}, "", err
	}
	return conversation, text, nil
}

// ListConversations returns the user's conversations, newest first.
func (a *App) ListConversations(ctx context.Context, user domain.User) ([]domain.Conversation, error) {
	items, err := a.store.ListConversationsByOwner(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (a *App) ListMessages(ctx context.Context, user domain.User, conversationID string) ([]domain.Message, error) {
	conversation, err := a.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	items, err := a.store.ListMessagesByConversation(ctx, conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

// DeleteConversation removes a conversation and all of its messages.
// On a store failure the caller retries the whole deletion.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, conversationID string) error {
	conversation, err := a.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conversation.ID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	util.LoggerFromContext(ctx).Info("conversation deleted", "conversation_id", conversation.ID, "user_id", user.ID)
	return nil
}

func (a *App) ownedConversation(ctx context.Context, user domain.User, id string) (domain.Conversation, error) {
	id, err := requireID("conversation id", id)
	if err != nil {
		return domain.Conversation{}, err
	}
	conversation, ok, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if conversation.UserID != user.ID {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %s", ErrForbidden, id)
	}
	return conversation, nil
}
