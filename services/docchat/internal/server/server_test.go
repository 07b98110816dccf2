package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/ratelimit"
	"docchat/pkg/ai"
	"docchat/pkg/session"
	"docchat/pkg/storage"
	"docchat/services/docchat/internal/app"
)

type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, data []byte) (string, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no text")
	}
	return text, nil
}

type testEnv struct {
	srv *httptest.Server

	mu     sync.Mutex
	genErr error
}

func (e *testEnv) failGeneration(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.genErr = err
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{}
	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sessions, err := session.NewManager("0123456789abcdef0123456789abcdef", time.Hour, session.NewMemoryTokenRevoker())
	require.NoError(t, err)
	core, err := app.New(app.Config{
		Blobs:     blobs,
		Extractor: textExtractor{},
		Sessions:  sessions,
		Generator: ai.GeneratorFunc(func(_ context.Context, _, prompt string) (string, error) {
			env.mu.Lock()
			genErr := env.genErr
			env.mu.Unlock()
			if genErr != nil {
				return "", genErr
			}
			return fmt.Sprintf("answer (%d chars of prompt)", len(prompt)), nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	cfg.App = core
	s, err := New(cfg)
	require.NoError(t, err)
	env.srv = httptest.NewServer(s.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, token, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="pdf"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) signUp(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": email, "password": "secret1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[authResponse](t, resp).Token
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["backend"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t, Config{})

	token := env.signUp(t, "reader@example.com")
	resp := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "READER@example.com", "password": "other12"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "bad", "password": "secret1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "reader@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "reader@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[authResponse](t, resp)
	assert.NotEmpty(t, login.Token)

	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[map[string]any](t, resp)
	assert.Equal(t, "reader@example.com", me["email"])
	_, leaked := me["passwordHash"]
	assert.False(t, leaked)

	resp = env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/files"},
		{http.MethodPost, "/api/chat"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodGet, "/api/messages/abc"},
		{http.MethodDelete, "/api/files/abc"},
	} {
		resp := env.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
		resp = env.do(t, route.method, route.path, "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
	}
}

func TestDocumentChatLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	token := env.signUp(t, "owner@example.com")
	intruder := env.signUp(t, "intruder@example.com")

	resp := env.upload(t, token, "notes.txt", "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	resp = env.upload(t, token, "blank.pdf", "application/pdf", []byte("   "))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.upload(t, token, "guide.pdf", "application/pdf", []byte("The launch is on Friday."))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	uploaded := decode[uploadResponse](t, resp)
	assert.Equal(t, "The launch is on Friday.", uploaded.Content)
	assert.Equal(t, "guide.pdf", uploaded.File.FileName)
	docID := uploaded.File.ID

	resp = env.do(t, http.MethodGet, "/api/files", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]map[string]any](t, resp), 1)
	resp = env.do(t, http.MethodGet, "/api/files", intruder, nil)
	assert.Empty(t, decode[[]map[string]any](t, resp))

	resp = env.do(t, http.MethodGet, "/api/files/"+docID+"/download", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "guide.pdf")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "The launch is on Friday.", string(raw))
	resp = env.do(t, http.MethodGet, "/api/files/"+docID+"/download", intruder, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "When?"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/chat", intruder, map[string]string{"message": "When?", "fileId": docID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "When?", "fileId": docID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[app.ChatReply](t, resp)
	assert.NotEmpty(t, reply.Reply)
	require.NotEmpty(t, reply.ConversationID)

	resp = env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "Which Friday?", "conversationId": reply.ConversationID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conversations := decode[[]map[string]any](t, resp)
	require.Len(t, conversations, 1)
	assert.Equal(t, "Chat about guide.pdf", conversations[0]["title"])

	resp = env.do(t, http.MethodGet, "/api/messages/"+reply.ConversationID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decode[[]map[string]any](t, resp)
	require.Len(t, messages, 4)
	assert.Equal(t, "user", messages[0]["sender"])
	assert.Equal(t, "assistant", messages[3]["sender"])
	resp = env.do(t, http.MethodGet, "/api/messages/"+reply.ConversationID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/messages/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.failGeneration(errors.New("model exploded: secret upstream detail"))
	resp = env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "again", "conversationId": reply.ConversationID})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.NotContains(t, body["error"], "secret upstream detail")
	assert.Equal(t, resp.Header.Get("X-Request-Id"), body["requestId"])
	env.failGeneration(nil)

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+reply.ConversationID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/conversations/"+reply.ConversationID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/conversations/"+reply.ConversationID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/files/"+docID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/files/"+docID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/files/"+docID+"/download", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxUploadBytes: 512})
	token := env.signUp(t, "u@example.com")
	resp := env.upload(t, token, "big.pdf", "application/pdf", bytes.Repeat([]byte("a"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadRequiresPDFField(t *testing.T) {
	env := newTestEnv(t, Config{})
	token := env.signUp(t, "u@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "a.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("x"))
	require.NoError(t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewMemoryFixedWindowLimiter(1, time.Minute)
	require.NoError(t, err)
	env := newTestEnv(t, Config{LoginLimiter: limiter})
	env.signUp(t, "u@example.com")

	body := map[string]string{"email": "u@example.com", "password": "secret1"}
	resp := env.do(t, http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, Config{})
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/signup", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWriteAppErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: message is required", app.ErrBadRequest), http.StatusBadRequest},
		{app.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("%w: conversation c1 was deleted", app.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: %w", app.ErrExtractionFailed, errors.New("corrupt xref")), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: load blob: %w", app.ErrBlobUnavailable, errors.New("connection refused")), http.StatusServiceUnavailable},
		{fmt.Errorf("load user: %w", app.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeAppError(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil), tc.err)
		assert.Equal(t, tc.want, rec.Code, "%v", tc.err)
	}
}
