package protocol

import (
	"errors"
	"net/http"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Queue admission.
	ErrAdmission = "E_ADMISSION"

	// Turn submissions.
	ErrNotParticipant = "E_NOT_PARTICIPANT"
	ErrTurnClosed     = "E_TURN_CLOSED"
	ErrHashMismatch   = "E_HASH_MISMATCH"
	ErrDuplicate      = "E_DUPLICATE"

	// Slot and ledger state.
	ErrSlotNotFound      = "E_SLOT_NOT_FOUND"
	ErrStaleState        = "E_STALE_STATE"
	ErrLedgerUnavailable = "E_LEDGER_UNAVAILABLE"
	ErrLedgerRejected    = "E_LEDGER_REJECTED"
	ErrLedgerDesync      = "E_LEDGER_DESYNC"
	ErrConfig            = "E_CONFIG"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]int{
	ErrProtoBadRequest:   http.StatusBadRequest,
	ErrAdmission:         http.StatusConflict,
	ErrNotParticipant:    http.StatusForbidden,
	ErrTurnClosed:        http.StatusConflict,
	ErrHashMismatch:      http.StatusUnprocessableEntity,
	ErrDuplicate:         http.StatusConflict,
	ErrSlotNotFound:      http.StatusNotFound,
	ErrStaleState:        http.StatusConflict,
	ErrLedgerUnavailable: http.StatusServiceUnavailable,
	ErrLedgerRejected:    http.StatusBadGateway,
	ErrLedgerDesync:      http.StatusConflict,
	ErrConfig:            http.StatusInternalServerError,
	ErrInternal:          http.StatusInternalServerError,
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error carries a machine-readable code alongside the internal message.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Code returns the code of the first *Error in err's chain, or ErrInternal.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	if s, ok := knownCodes[Code(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Matchers for errors.Is.
var (
	BadRequest        = &Error{Code: ErrProtoBadRequest}
	Admission         = &Error{Code: ErrAdmission}
	NotParticipant    = &Error{Code: ErrNotParticipant}
	TurnClosed        = &Error{Code: ErrTurnClosed}
	HashMismatch      = &Error{Code: ErrHashMismatch}
	Duplicate         = &Error{Code: ErrDuplicate}
	SlotNotFound      = &Error{Code: ErrSlotNotFound}
	LedgerUnavailable = &Error{Code: ErrLedgerUnavailable}
	StaleState        = &Error{Code: ErrStaleState}
	LedgerDesync      = &Error{Code: ErrLedgerDesync}
	Config            = &Error{Code: ErrConfig}
)
