package app

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docchat/internal/util"
	"docchat/pkg/domain"
	"docchat/pkg/storage"
)

const (
	pdfContentType      = "application/pdf"
	documentTextTimeout = 2 * time.Minute
)

// UploadInput carries one uploaded file.
type UploadInput struct {
	FileName    string
	ContentType string
	Data        []byte
}

// UploadDocument validates, extracts, stores, and records an uploaded PDF.
// The normalized text is returned alongside the record and is not persisted.
func (a *App) UploadDocument(ctx context.Context, user domain.User, in UploadInput) (domain.Document, string, error) {
	mediaType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil || !strings.EqualFold(mediaType, pdfContentType) {
		return domain.Document{}, "", fmt.Errorf("%w: %q", ErrUnsupportedType, in.ContentType)
	}
	text, err := a.extractor.Extract(ctx, in.Data)
	if err != nil {
		return domain.Document{}, "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	fileName := cleanFileName(in.FileName)
	handle, err := a.blobs.Put(ctx, storage.ObjectName(fileName, a.now()), in.Data, pdfContentType)
	if err != nil {
		return domain.Document{}, "", fmt.Errorf("store blob: %w", err)
	}
	doc, err := a.store.CreateDocument(ctx, domain.Document{
		UserID:   user.ID,
		FileName: fileName,
		FilePath: handle,
		FileSize: strconv.Itoa(len(in.Data)),
	})
	if err != nil {
		a.discardBlob(ctx, handle)
		return domain.Document{}, "", fmt.Errorf("create document: %w", err)
	}
	util.LoggerFromContext(ctx).Info("document uploaded", "document_id", doc.ID, "user_id", user.ID, "bytes", len(in.Data))
	return doc, text, nil
}

// discardBlob removes a blob whose record could not be written. The
// caller's error wins; a cleanup failure is only logged.
func (a *App) discardBlob(ctx context.Context, handle string) {
	// the request context may already be cancelled
	cleanupCtx := context.WithoutCancel(ctx)
	if err := a.blobs.Delete(cleanupCtx, handle); err != nil {
		util.LoggerFromContext(ctx).Warn("orphaned blob cleanup failed", "handle", handle, "err", err)
	}
}

// ListDocuments returns the user's documents, newest first.
func (a *App) ListDocuments(ctx context.Context, user domain.User) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByOwner(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// DownloadDocument returns the record and raw bytes of an owned document.
func (a *App) DownloadDocument(ctx context.Context, user domain.User, id string) (domain.Document, []byte, error) {
	doc, err := a.ownedDocument(ctx, user, id)
	if err != nil {
		return domain.Document{}, nil, err
	}
	data, err := a.blobs.Get(ctx, doc.FilePath)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Document{}, nil, ctx.Err()
		}
		return domain.Document{}, nil, blobLoadError(doc, err)
	}
	return doc, data, nil
}

// DeleteDocument removes the blob and then the record. If the blob cannot
// be removed the record stays so the blob is never orphaned.
func (a *App) DeleteDocument(ctx context.Context, user domain.User, id string) error {
	doc, err := a.ownedDocument(ctx, user, id)
	if err != nil {
		return err
	}
	if err := a.blobs.Delete(ctx, doc.FilePath); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := a.store.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	util.LoggerFromContext(ctx).Info("document deleted", "document_id", doc.ID, "user_id", user.ID)
	return nil
}

// DocumentText re-derives a document's text from its blob. Concurrent
// calls for the same document share one extraction, which runs detached
// from any single caller so one cancelled request cannot fail the others.
// Each caller still stops waiting when its own context ends.
func (a *App) DocumentText(ctx context.Context, doc domain.Document) (string, error) {
	ch := a.texts.DoChan(doc.ID, func() (any, error) {
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), documentTextTimeout)
		defer cancel()
		data, err := a.blobs.Get(work, doc.FilePath)
		if err != nil {
			return "", blobLoadError(doc, err)
		}
		text, err := a.extractor.Extract(work, data)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		}
		return text, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// blobLoadError keeps storage faults apart from unreadable documents: a
// missing blob is NotFound, anything else is a retryable storage outage.
func blobLoadError(doc domain.Document, err error) error {
	if errors.Is(err, storage.ErrBlobNotFound) {
		return fmt.Errorf("%w: blob for document %s", ErrNotFound, doc.ID)
	}
	return fmt.Errorf("%w: load blob for document %s: %w", ErrBlobUnavailable, doc.ID, err)
}

func (a *App) ownedDocument(ctx context.Context, user domain.User, id string) (domain.Document, error) {
	id, err := requireID("document id", id)
	if err != nil {
		return domain.Document{}, err
	}
	doc, ok, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if doc.UserID != user.ID {
		return domain.Document{}, fmt.Errorf("%w: document %s", ErrForbidden, id)
	}
	return doc, nil
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}
