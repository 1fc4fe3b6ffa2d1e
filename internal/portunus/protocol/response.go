package protocol

import (
	"errors"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/enroll"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

// Response types.
const (
	TypeOK         = "OK"
	TypeError      = "ERROR"
	TypeProgress   = "PROGRESS"
	TypeStatus     = "STATUS"
	TypeIdentities = "IDENTITIES"
	TypeAuditLogs  = "AUDIT_LOGS"
)

// Error codes outside the sentinel table.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeAdminModeDisabled = "ADMIN_MODE_DISABLED"
	CodeNotFound          = "NOT_FOUND"
	CodeStoreFailure      = "STORE_FAILURE"
	CodeInternal          = "INTERNAL"
)

// Response is the single reply to one command.
type Response struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	SessionID      string `json:"session_id,omitempty"`
	PhotosReceived int    `json:"photos_received,omitempty"`
	PhotosTotal    int    `json:"photos_total,omitempty"`
	NextChunk      int    `json:"next_chunk,omitempty"`

	Data any `json:"data,omitempty"`
}

func ok(msg string) Response { return Response{Type: TypeOK, Message: msg} }

func errorResponse(code, msg string) Response {
	return Response{Type: TypeError, Code: code, Message: msg}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMalformed, "MALFORMED"},
	{ErrUnknownCommand, "UNKNOWN_COMMAND"},
	{ErrInvalidField, "INVALID_FIELD"},

	{enroll.ErrStoreFailure, CodeStoreFailure},
	{enroll.ErrSessionAlreadyActive, "SESSION_ALREADY_ACTIVE"},
	{enroll.ErrNoActiveSession, "NO_ACTIVE_SESSION"},
	{enroll.ErrSessionExpired, "SESSION_EXPIRED"},
	{enroll.ErrInvalidWindow, "INVALID_WINDOW"},
	{enroll.ErrInvalidPhotoCount, "INVALID_PHOTO_COUNT"},
	{enroll.ErrMissingField, "MISSING_FIELD"},
	{enroll.ErrChunkOutOfOrder, "CHUNK_OUT_OF_ORDER"},
	{enroll.ErrInvalidChunk, "INVALID_CHUNK"},
	{enroll.ErrChunkTooLarge, "CHUNK_TOO_LARGE"},
	{enroll.ErrPhotoTooLarge, "PHOTO_TOO_LARGE"},
	{enroll.ErrHashMismatch, "HASH_MISMATCH"},
	{enroll.ErrAllPhotosReceived, "ALL_PHOTOS_RECEIVED"},
	{enroll.ErrTooManyFailures, "TOO_MANY_FAILURES"},
	{enroll.ErrNoValidEmbeddings, "NO_VALID_EMBEDDINGS"},
	{enroll.ErrIncompleteSession, "INCOMPLETE_SESSION"},

	{face.ErrNoFaceDetected, "NO_FACE_DETECTED"},
	{face.ErrLowQuality, "LOW_QUALITY"},
	{face.ErrEmbeddingFailed, "EMBEDDING_FAILED"},

	{store.ErrInvalidWindow, "INVALID_WINDOW"},
	{store.ErrEmptyIdentity, "MISSING_FIELD"},
}

// ErrorCode maps an error to its stable wire code.  Order matters where
// errors wrap each other: TOO_MANY_FAILURES wins over the pipeline cause.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

func fromError(err error) Response {
	return errorResponse(ErrorCode(err), err.Error())
}
