// Package errors provides the node's coded error type and helpers for classifying errors.
package errors

import (
	"context"
	"errors"
)

// IsTransientMempoolRejection reports admission failures that are expected in normal gossip
// (duplicates, conflicts and transactions whose inputs are not yet known).
func IsTransientMempoolRejection(err error) bool {
	var tErr *Error
	if !As(err, &tErr) {
		return false
	}

	switch tErr.Code() {
	case ERR_TX_ALREADY_EXISTS, ERR_TX_CONFLICTING, ERR_TX_MISSING_INPUT:
		return true
	}

	return false
}

// IsContextError reports cancellation and deadline errors, coded or not.
func IsContextError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tErr *Error
	if As(err, &tErr) {
		return tErr.Code() == ERR_CONTEXT_CANCELED || tErr.Code() == ERR_CONTEXT
	}

	return false
}

// ErrorCategory maps an error to the range of its code, used as a metric label.
func ErrorCategory(err error) string {
	if err == nil {
		return "none"
	}

	if IsContextError(err) {
		return "context"
	}

	var tErr *Error
	if !As(err, &tErr) {
		return "unknown"
	}

	switch code := tErr.Code(); {
	case code >= 10 && code <= 19:
		return "block"
	case code >= 30 && code <= 49:
		return "transaction"
	case code >= 50 && code <= 59:
		return "service"
	case code >= 60 && code <= 69:
		return "storage"
	case code >= 70 && code <= 79:
		return "utxo"
	case code >= 100 && code <= 109:
		return "sync"
	case code >= 110 && code <= 119:
		return "network"
	default:
		return "generic"
	}
}
