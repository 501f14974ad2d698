package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Paste does not exist, has expired or has been deleted.", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "Paste does not exist, has expired or has been deleted.", http.StatusNotFound)
	ErrInvalidID          = NewErr("INVALID_ID", "Invalid paste ID.", http.StatusBadRequest)
	ErrMalformedEnvelope  = NewErr("MALFORMED_ENVELOPE", "Invalid data.", http.StatusBadRequest)
	ErrIDCollision        = NewErr("ID_COLLISION", "You are unlucky. Try again.", http.StatusConflict)
	ErrStorage            = NewErr("STORAGE_FAILURE", "Error saving paste. Sorry.", http.StatusInternalServerError)
	ErrCommentStorage     = NewErr("COMMENT_STORAGE_FAILURE", "Error saving comment. Sorry.", http.StatusInternalServerError)
	ErrInvalidFormatter   = NewErr("INVALID_FORMATTER", "Invalid data.", http.StatusBadRequest)
	ErrDiscussionDisabled = NewErr("DISCUSSION_DISABLED", "Invalid data.", http.StatusBadRequest)
	ErrInvalidFlags       = NewErr("INVALID_FLAGS", "Invalid data.", http.StatusBadRequest)
	ErrDiscussionClosed   = NewErr("DISCUSSION_CLOSED", "Invalid data.", http.StatusBadRequest)
	ErrInvalidParent      = NewErr("INVALID_PARENT", "Invalid data.", http.StatusBadRequest)
	ErrInvalidDeleteToken = NewErr("INVALID_DELETE_TOKEN", "Wrong deletion token. Paste was not deleted.", http.StatusForbidden)
	ErrTrafficLimited     = NewErr("TRAFFIC_LIMITED", "Please wait before submitting again.", http.StatusTooManyRequests)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "Paste is limited in size.", http.StatusRequestEntityTooLarge)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "Invalid data.", http.StatusBadRequest)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ErrResp is the failure body of the JSON API. Status 1 marks an error.
type ErrResp struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e := asErr(err); e != nil {
		return ErrResp{Status: 1, Code: e.Code, Message: e.Msg}
	}
	return ErrResp{Status: 1, Code: ErrInternalServer.Code, Message: ErrInternalServer.Msg}
}
func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}
func asErr(err error) *Err {
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return nil
}

// StorageFailure tags a backend error so callers see ErrStorage while the
// original cause stays available for logging.
func StorageFailure(kind *Err, cause error) error {
	return &storageErr{kind: kind, cause: cause}
}

type storageErr struct {
	kind  *Err
	cause error
}

func (e *storageErr) Error() string { return e.kind.Msg + ": " + e.cause.Error() }
func (e *storageErr) Unwrap() error { return e.kind }
func (e *storageErr) Cause() error  { return e.kind }

// Backend returns the underlying backend error of a storage failure.
func Backend(err error) error {
	var se *storageErr
	if errors.As(err, &se) {
		return se.cause
	}
	return err
}
