package roadside

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Error text codes for the orchestration failure taxonomy.
const (
	ErrCodeTransientInfra     = "ORC_TRANSIENT_INFRA"
	ErrCodeBusinessTimeout    = "ORC_BUSINESS_TIMEOUT"
	ErrCodeConflict           = "ORC_CONFLICT"
	ErrCodeTerminalEscalation = "ORC_TERMINAL_ESCALATION"
	ErrCodeInvalidTransition  = "ORC_INVALID_TRANSITION"
	ErrCodeNotFound           = "ORC_NOT_FOUND"
	ErrCodeTokenConsumed      = "ORC_TOKEN_CONSUMED"
	ErrCodeTokenExpired       = "ORC_TOKEN_EXPIRED"
)

var (
	// ErrTransientInfra marks infrastructure failures that are safe to retry
	// with backoff. Never surfaced to the driver.
	ErrTransientInfra = apperrors.New("transient infrastructure failure", apperrors.CategoryExternal).
				WithTextCode(ErrCodeTransientInfra)

	// ErrBusinessTimeout marks a vendor that did not respond, arrive, or
	// complete in time. Drives retry or escalation, never a failure state.
	ErrBusinessTimeout = apperrors.New("business timeout", apperrors.CategoryHandler).
				WithTextCode(ErrCodeBusinessTimeout)

	// ErrConflict marks an optimistic update that lost the race.
	ErrConflict = apperrors.New("conditional update conflict", apperrors.CategoryConflict).
			WithTextCode(ErrCodeConflict)

	// ErrTerminalEscalation marks exhaustion of bounded attempts or waits;
	// always routed to the human dispatcher.
	ErrTerminalEscalation = apperrors.New("escalation required", apperrors.CategoryHandler).
				WithTextCode(ErrCodeTerminalEscalation)

	// ErrInvalidTransition marks an illegal status change request.
	ErrInvalidTransition = apperrors.New("invalid status transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)

	// ErrNotFound marks a missing incident, execution, or token record.
	ErrNotFound = apperrors.New("record not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)

	// ErrTokenConsumed marks a wait token presented after it already resumed
	// its execution. Duplicate deliveries land here and are ignored.
	ErrTokenConsumed = apperrors.New("wait token already consumed", apperrors.CategoryConflict).
				WithTextCode(ErrCodeTokenConsumed)

	// ErrTokenExpired marks a wait token presented past its deadline.
	ErrTokenExpired = apperrors.New("wait token expired", apperrors.CategoryConflict).
			WithTextCode(ErrCodeTokenExpired)
)

// WrapError clones a taxonomy error, attaching message, source, and metadata.
func WrapError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrTransientInfra
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode extracts the taxonomy text code, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsTransient reports whether err is safe to retry with backoff.
func IsTransient(err error) bool {
	return ErrorCode(err) == ErrCodeTransientInfra
}

// IsConflict reports whether err is an optimistic-lock loss.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrCodeConflict
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}

// IsTokenConsumed reports whether err is a duplicate token presentation.
func IsTokenConsumed(err error) bool {
	return ErrorCode(err) == ErrCodeTokenConsumed
}

// IsTokenExpired reports whether err is a token presented past its deadline.
func IsTokenExpired(err error) bool {
	return ErrorCode(err) == ErrCodeTokenExpired
}
