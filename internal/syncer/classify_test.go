package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/payload"
	"github.com/mmynk/splitledger/internal/remote"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	netErr := fmt.Errorf("%w: dial tcp: connection refused", remote.ErrNetwork)

	tests := []struct {
		name   string
		err    error
		status int
		want   oplog.FailureKind
	}{
		{"no response", netErr, 0, oplog.FailureNetwork},
		{"cancelled transport", fmt.Errorf("%w: %w", remote.ErrNetwork, context.Canceled), 0, oplog.FailureNetwork},
		{"500", errors.New("boom"), 500, oplog.FailureServer},
		{"503", errors.New("down"), 503, oplog.FailureServer},
		{"599", errors.New("odd"), 599, oplog.FailureServer},
		{"401", errors.New("unauthenticated"), 401, oplog.FailureAuth},
		{"403", errors.New("forbidden"), 403, oplog.FailureAuth},
		{"400", errors.New("bad"), 400, oplog.FailureValidation},
		{"404", errors.New("missing"), 404, oplog.FailureValidation},
		{"409", errors.New("conflict"), 409, oplog.FailureValidation},
		{"429", errors.New("slow down"), 429, oplog.FailureValidation},
		{"decode error", payload.ErrUnsupportedVersion, 0, oplog.FailureUnknown},
		{"unexpected", errors.New("nil pointer"), 0, oplog.FailureUnknown},
		{"3xx", errors.New("redirect"), 302, oplog.FailureUnknown},
		{"nil error no status", nil, 0, oplog.FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err, tt.status))
		})
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, oplog.FailureAuth, ClassifyError(&remote.Error{StatusCode: 401, Code: "unauthenticated"}))
	assert.Equal(t, oplog.FailureServer, ClassifyError(fmt.Errorf("wrapped: %w", &remote.Error{StatusCode: 502})))
	assert.Equal(t, oplog.FailureNetwork, ClassifyError(fmt.Errorf("%w: timeout", remote.ErrNetwork)))
	assert.Equal(t, oplog.FailureUnknown, ClassifyError(errors.New("json: cannot unmarshal")))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(oplog.FailureNetwork))
	assert.True(t, Retryable(oplog.FailureServer))
	assert.False(t, Retryable(oplog.FailureValidation))
	assert.False(t, Retryable(oplog.FailureAuth))
	assert.False(t, Retryable(oplog.FailureUnknown))
}
