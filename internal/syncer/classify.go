// Package syncer drains the operation log against the remote service.
//
// The executor replays records one at a time in FIFO order. Each outcome is
// classified into the closed failure taxonomy, which decides what happens to
// the record:
//
//	NETWORK, SERVER   record stays PENDING, the drain stops
//	VALIDATION        record becomes FAILED, the drain continues
//	AUTH              record becomes FAILED (auth recovery list), the drain continues
//	UNKNOWN           record becomes FAILED, the drain continues
//
// A permanent failure never blocks the records behind it, and no record is
// dropped without being either applied, retried later, or dead-lettered.
package syncer

import (
	"errors"
	"net/http"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/remote"
)

// Classify maps an error and an optional HTTP status (0 when no response
// was received) to a failure kind.
func Classify(err error, status int) oplog.FailureKind {
	switch {
	case status >= 500 && status <= 599:
		return oplog.FailureServer
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return oplog.FailureAuth
	case status >= 400 && status <= 499:
		return oplog.FailureValidation
	case status == 0 && err != nil && errors.Is(err, remote.ErrNetwork):
		return oplog.FailureNetwork
	default:
		return oplog.FailureUnknown
	}
}

// ClassifyError extracts the status from a remote error and classifies it.
func ClassifyError(err error) oplog.FailureKind {
	return Classify(err, remote.StatusOf(err))
}

// Retryable reports whether a failure of this kind leaves the record pending.
func Retryable(kind oplog.FailureKind) bool {
	return kind.Retryable()
}
