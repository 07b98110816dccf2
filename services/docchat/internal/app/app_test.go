package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/session"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErr    error
	getErr    error
	deleteErr error
	deleted   []string

	// when set, Get signals entered and waits for release or its ctx
	entered chan struct{}
	release chan struct{}
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.objects[name] = append([]byte(nil), data...)
	return name, nil
}

func (f *fakeBlobs) Get(ctx context.Context, handle string) ([]byte, error) {
	if f.release != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[handle]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

func (f *fakeBlobs) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, handle)
	return nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeExtractor treats the bytes as the document text.
type fakeExtractor struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (f *fakeExtractor) Extract(_ context.Context, data []byte) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return strings.TrimSpace(string(data)), nil
}

// failingStore fails document creation so upload cleanup can be observed.
type failingStore struct {
	store.Store
	createDocErr  error
	deleteConvErr error
}

func (s *failingStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if s.createDocErr != nil {
		return domain.Document{}, s.createDocErr
	}
	return s.Store.CreateDocument(ctx, doc)
}

func (s *failingStore) DeleteConversation(ctx context.Context, id string) error {
	if s.deleteConvErr != nil {
		return s.deleteConvErr
	}
	return s.Store.DeleteConversation(ctx, id)
}

type harness struct {
	app       *App
	store     store.Store
	blobs     *fakeBlobs
	extractor *fakeExtractor
	prompts   []string
	reply     string
	genErr    error
	// onGenerate runs while the model call is in flight
	onGenerate func(ctx context.Context)
	mu         sync.Mutex
}

func newHarness(t *testing.T, wrap func(store.Store) store.Store) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		blobs:     newFakeBlobs(),
		extractor: &fakeExtractor{},
		reply:     "model answer",
	}
	dataStore := h.store
	if wrap != nil {
		dataStore = wrap(h.store)
	}
	sessions, err := session.NewManager("0123456789abcdef0123456789abcdef", time.Hour, session.NewMemoryTokenRevoker())
	require.NoError(t, err)
	a, err := New(Config{
		Store:     dataStore,
		Blobs:     h.blobs,
		Extractor: h.extractor,
		Sessions:  sessions,
		Generator: ai.GeneratorFunc(func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
			if h.onGenerate != nil {
				h.onGenerate(ctx)
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			h.prompts = append(h.prompts, userPrompt)
			return h.reply, h.genErr
		}),
	})
	require.NoError(t, err)
	h.app = a
	return h
}

func (h *harness) lastPrompt() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.prompts) == 0 {
		return ""
	}
	return h.prompts[len(h.prompts)-1]
}

func (h *harness) signUp(t *testing.T, email string) domain.User {
	t.Helper()
	user, _, err := h.app.SignUp(context.Background(), email, "secret1")
	require.NoError(t, err)
	return user
}

func (h *harness) upload(t *testing.T, user domain.User, name, text string) domain.Document {
	t.Helper()
	doc, _, err := h.app.UploadDocument(context.Background(), user, UploadInput{
		FileName:    name,
		ContentType: "application/pdf",
		Data:        []byte(text),
	})
	require.NoError(t, err)
	return doc
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewOpensMemoryStoreWithoutDatabase(t *testing.T) {
	sessions, err := session.NewManager("0123456789abcdef0123456789abcdef", time.Hour, nil)
	require.NoError(t, err)
	a, err := New(Config{
		Blobs:     newFakeBlobs(),
		Sessions:  sessions,
		Generator: ai.GeneratorFunc(func(context.Context, string, string) (string, error) { return "", nil }),
	})
	require.NoError(t, err)
	assert.Equal(t, store.BackendMemory, a.Backend())
	require.NoError(t, a.Close())
}

func TestSignUpLoginLogout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	user, token, err := h.app.SignUp(ctx, "  Reader@Example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", user.Email)
	assert.NotEmpty(t, token)

	_, _, err = h.app.SignUp(ctx, "reader@example.com", "different")
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	_, _, err = h.app.SignUp(ctx, "not-an-email", "secret1")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, _, err = h.app.SignUp(ctx, "other@example.com", "123")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, _, err = h.app.Login(ctx, "reader@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = h.app.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	loggedIn, loginToken, err := h.app.Login(ctx, "READER@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)

	me, err := h.app.UserFromToken(ctx, loginToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, me.ID)

	require.NoError(t, h.app.Logout(ctx, loginToken))
	_, err = h.app.UserFromToken(ctx, loginToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.app.UserFromToken(ctx, token)
	require.NoError(t, err, "other sessions survive logout")
	_, err = h.app.UserFromToken(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUploadDocument(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")

	doc, text, err := h.app.UploadDocument(context.Background(), user, UploadInput{
		FileName:    "C:\\reports\\Q3 summary.pdf",
		ContentType: "application/pdf; charset=binary",
		Data:        []byte("quarterly revenue grew"),
	})
	require.NoError(t, err)
	assert.Equal(t, "quarterly revenue grew", text)
	assert.Equal(t, "Q3 summary.pdf", doc.FileName)
	assert.Equal(t, "22", doc.FileSize)
	assert.Equal(t, user.ID, doc.UserID)
	assert.NotEmpty(t, doc.FilePath)
	assert.True(t, strings.HasSuffix(doc.FilePath, ".pdf"))
	assert.Equal(t, 1, h.blobs.count())

	docs, err := h.app.ListDocuments(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")
	for _, ct := range []string{"text/plain", "", "image/png", "application/x-pdf-ish"} {
		_, _, err := h.app.UploadDocument(context.Background(), user, UploadInput{FileName: "a.pdf", ContentType: ct, Data: []byte("x")})
		assert.ErrorIs(t, err, ErrUnsupportedType, "content type %q", ct)
	}
	assert.Zero(t, h.extractor.calls.Load())
	assert.Zero(t, h.blobs.count())
}

func TestUploadExtractionFailureStoresNothing(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")
	h.extractor.err = errors.New("scanned image only")

	_, _, err := h.app.UploadDocument(context.Background(), user, UploadInput{FileName: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Zero(t, h.blobs.count())
	docs, err := h.app.ListDocuments(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUploadRemovesBlobWhenRecordFails(t *testing.T) {
	h := newHarness(t, func(s store.Store) store.Store {
		return &failingStore{Store: s, createDocErr: &store.UnavailableError{Op: "create document", Err: errors.New("connection reset")}}
	})
	user := h.signUp(t, "u@example.com")

	_, _, err := h.app.UploadDocument(context.Background(), user, UploadInput{FileName: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, h.blobs.count())
	assert.Len(t, h.blobs.deleted, 1)
}

func TestUploadCleanupFailureKeepsOriginalError(t *testing.T) {
	h := newHarness(t, func(s store.Store) store.Store {
		return &failingStore{Store: s, createDocErr: &store.UnavailableError{Op: "create document", Err: errors.New("down")}}
	})
	user := h.signUp(t, "u@example.com")
	h.blobs.deleteErr = errors.New("bucket gone")

	_, _, err := h.app.UploadDocument(context.Background(), user, UploadInput{FileName: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotContains(t, err.Error(), "bucket gone")
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t, nil)
	owner := h.signUp(t, "owner@example.com")
	other := h.signUp(t, "other@example.com")
	doc := h.upload(t, owner, "a.pdf", "alpha")
	ctx := context.Background()

	assert.ErrorIs(t, h.app.DeleteDocument(ctx, other, doc.ID), ErrForbidden)
	assert.ErrorIs(t, h.app.DeleteDocument(ctx, owner, "missing"), ErrNotFound)
	assert.ErrorIs(t, h.app.DeleteDocument(ctx, owner, " "), ErrBadRequest)

	h.blobs.deleteErr = errors.New("storage offline")
	require.Error(t, h.app.DeleteDocument(ctx, owner, doc.ID))
	_, ok, err := h.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, ok, "record must survive a failed blob delete")

	h.blobs.deleteErr = nil
	require.NoError(t, h.app.DeleteDocument(ctx, owner, doc.ID))
	_, ok, err = h.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.blobs.count())
}

func TestDownloadDocument(t *testing.T) {
	h := newHarness(t, nil)
	owner := h.signUp(t, "owner@example.com")
	other := h.signUp(t, "other@example.com")
	doc := h.upload(t, owner, "a.pdf", "alpha")
	ctx := context.Background()

	got, data, err := h.app.DownloadDocument(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, []byte("alpha"), data)

	_, _, err = h.app.DownloadDocument(ctx, other, doc.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, h.blobs.Delete(ctx, doc.FilePath))
	_, _, err = h.app.DownloadDocument(ctx, owner, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentTextCollapsesConcurrentCalls(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")
	doc := h.upload(t, user, "a.pdf", "shared text")
	h.extractor.calls.Store(0)
	h.extractor.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := h.app.DocumentText(context.Background(), doc)
			assert.NoError(t, err)
			assert.Equal(t, "shared text", text)
		}()
	}
	wg.Wait()
	assert.Less(t, h.extractor.calls.Load(), int32(8))
}

func TestDocumentTextSurvivesOneCallerCancelling(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")
	doc := h.upload(t, user, "a.pdf", "shared text")
	h.blobs.entered = make(chan struct{}, 1)
	h.blobs.release = make(chan struct{})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := h.app.DocumentText(ctxA, doc)
		errA <- err
	}()
	<-h.blobs.entered

	type result struct {
		text string
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		text, err := h.app.DocumentText(context.Background(), doc)
		resB <- result{text, err}
	}()

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)
	close(h.blobs.release)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "shared text", b.text)
}

func TestDocumentTextSeparatesStorageFaults(t *testing.T) {
	h := newHarness(t, nil)
	user := h.signUp(t, "u@example.com")
	doc := h.upload(t, user, "a.pdf", "text")
	ctx := context.Background()

	h.blobs.getErr = errors.New("dial tcp 10.0.0.5:9000: connection refused")
	_, err := h.app.DocumentText(ctx, doc)
	assert.ErrorIs(t, err, ErrBlobUnavailable)
	assert.NotErrorIs(t, err, ErrExtractionFailed)

	_, _, err = h.app.DownloadDocument(ctx, user, doc.ID)
	assert.ErrorIs(t, err, ErrBlobUnavailable)

	h.blobs.getErr = nil
	require.NoError(t, h.blobs.Delete(ctx, doc.FilePath))
	_, err = h.app.DocumentText(ctx, doc)
	assert.ErrorIs(t, err, ErrNotFound)
}

func ExampleBuildPrompt() {
	history := []domain.Message{
		{Sender: domain.SenderUser, Content: "What is this?"},
		{Sender: domain.SenderAssistant, Content: "A report."},
	}
	fmt.Println(BuildPrompt("Revenue grew 4%.", history, "By how much?"))
	// Output:
	// Document content:
	// Revenue grew 4%.
	//
	// Conversation history:
	// User: What is this?
	// Assistant: A report.
	//
	// User question: By how much?
	//
	// Please provide a helpful and accurate response based on the document content and conversation history. If the question is not related to the document, politely guide the user back to document-related questions.
}
