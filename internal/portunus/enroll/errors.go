package enroll

import "errors"

var (
	ErrSessionAlreadyActive = errors.New("enrollment session already active")
	ErrNoActiveSession      = errors.New("no active enrollment session")
	ErrSessionExpired       = errors.New("enrollment session expired")
	ErrInvalidWindow        = errors.New("access_start must be before access_end")
	ErrInvalidPhotoCount    = errors.New("photo count out of bounds")
	ErrMissingField         = errors.New("required field missing")
	ErrChunkOutOfOrder      = errors.New("chunk out of order")
	ErrInvalidChunk         = errors.New("invalid chunk")
	ErrChunkTooLarge        = errors.New("chunk too large")
	ErrPhotoTooLarge        = errors.New("photo too large")
	ErrHashMismatch         = errors.New("photo hash mismatch")
	ErrAllPhotosReceived    = errors.New("all declared photos already received")
	ErrTooManyFailures      = errors.New("too many failed photos; session discarded")
	ErrNoValidEmbeddings    = errors.New("no valid embeddings; session discarded")
	ErrIncompleteSession    = errors.New("not all declared photos received")
	ErrStoreFailure         = errors.New("identity store failure")
)
