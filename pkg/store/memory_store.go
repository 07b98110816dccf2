package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"docchat/pkg/domain"
)

// MemoryStore keeps every entity in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         *clock
	seq           int64
	users         map[string]domain.User
	email         map[string]string // email -> user ID
	documents     map[string]memEntry[domain.Document]
	conversations map[string]memEntry[domain.Conversation]
	messages      map[string][]domain.Message // conversation ID -> messages in creation order
}

// memEntry pairs a record with its insertion sequence, used to break
// timestamp ties when listing.
type memEntry[T any] struct {
	seq int64
	val T
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:         newClock(),
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		documents:     make(map[string]memEntry[domain.Document]),
		conversations: make(map[string]memEntry[domain.Conversation]),
		messages:      make(map[string][]domain.Message),
	}
}

// GetUser returns a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by normalized email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[domain.NormalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, exists := m.users[id]
	return u, exists, nil
}

// CreateUser registers a user; the email check and insert happen under one lock.
func (m *MemoryStore) CreateUser(_ context.Context, email, passwordHash string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.email[email]; exists {
		return domain.User{}, ErrDuplicateEmail
	}
	u := domain.User{
		ID:           newID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    m.clock.Now(),
	}
	m.users[u.ID] = u
	m.email[email] = u.ID
	return u, nil
}

// GetDocument retrieves a document by ID.
func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.documents[id]
	return e.val, ok, nil
}

// ListDocumentsByOwner returns the owner's documents, newest upload first.
func (m *MemoryStore) ListDocumentsByOwner(_ context.Context, userID string) ([]domain.Document, error) {
	m.mu.RLock()
	entries := make([]memEntry[domain.Document], 0)
	for _, e := range m.documents {
		if e.val.UserID == userID {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.val.UploadedAt.Equal(b.val.UploadedAt) {
			return a.val.UploadedAt.After(b.val.UploadedAt)
		}
		return a.seq > b.seq
	})
	res := make([]domain.Document, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.val)
	}
	return res, nil
}

// CreateDocument stores a new document, assigning its ID and upload time.
func (m *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.ID = newID()
	doc.UploadedAt = m.clock.Now()
	m.seq++
	m.documents[doc.ID] = memEntry[domain.Document]{seq: m.seq, val: doc}
	return doc, nil
}

// DeleteDocument removes the document record and detaches conversations that referenced it.
func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	for cid, e := range m.conversations {
		if e.val.FileID == id {
			e.val.FileID = ""
			m.conversations[cid] = e
		}
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conversations[id]
	return e.val, ok, nil
}

// ListConversationsByOwner returns the owner's conversations, newest first.
func (m *MemoryStore) ListConversationsByOwner(_ context.Context, userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	entries := make([]memEntry[domain.Conversation], 0)
	for _, e := range m.conversations {
		if e.val.UserID == userID {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.val.CreatedAt.Equal(b.val.CreatedAt) {
			return a.val.CreatedAt.After(b.val.CreatedAt)
		}
		return a.seq > b.seq
	})
	res := make([]domain.Conversation, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.val)
	}
	return res, nil
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(_ context.Context, conversation domain.Conversation) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation.ID = newID()
	conversation.CreatedAt = m.clock.Now()
	m.seq++
	m.conversations[conversation.ID] = memEntry[domain.Conversation]{seq: m.seq, val: conversation}
	return conversation, nil
}

// DeleteConversation removes the messages, then the conversation. Absent IDs are a no-op.
func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

// ListMessagesByConversation returns messages oldest first.
func (m *MemoryStore) ListMessagesByConversation(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	res := make([]domain.Message, len(msgs))
	for i, msg := range msgs {
		res[i] = cloneMessage(msg)
	}
	return res, nil
}

// CreateMessage appends a message to its conversation. The parent check and
// the append share the write lock, so a concurrent DeleteConversation either
// removes the new message too or makes this call fail.
func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return domain.Message{}, ErrConversationNotFound
	}
	meta, err := jsonMetadata(msg.Metadata)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode metadata: %w", err)
	}
	msg.ID = newID()
	msg.CreatedAt = m.clock.Now()
	msg.Metadata = meta
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return cloneMessage(msg), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// cloneMessage deep-copies metadata so callers cannot mutate stored maps.
// Stored metadata already went through jsonMetadata, so it holds only
// JSON-decoded values and the copy cannot fail.
func cloneMessage(msg domain.Message) domain.Message {
	msg.Metadata = cloneJSONMap(msg.Metadata)
	return msg
}

func cloneJSONMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneJSONMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneJSONValue(item)
		}
		return out
	default:
		return t
	}
}

// jsonMetadata passes metadata through JSON so values read back with the
// same types the relational variant produces.
func jsonMetadata(meta map[string]any) (map[string]any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
