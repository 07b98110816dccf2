package app

import (
	"errors"

	"docchat/pkg/store"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrDuplicateEmail     = store.ErrDuplicateEmail
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrExtractionFailed   = errors.New("text extraction failed")
	ErrCompletionFailed   = errors.New("completion failed")
	ErrStoreUnavailable   = store.ErrUnavailable
	ErrBlobUnavailable    = errors.New("document storage unavailable")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)
