package transfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"transfer", &TransferError{Cause: errors.New("eof")}, FailureKindTransfer},
		{"wrapped transfer", fmt.Errorf("fetch: %w", &TransferError{}), FailureKindTransfer},
		{"placement", &PlacementError{Source: "a", Err: errors.New("denied")}, FailureKindPlacement},
		{"unrecognized", UnrecognizedDestinationError(errors.New("no marker")), FailureKindUnrecognized},
		{"plain", errors.New("something"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureKind(tt.err))
		})
	}
}

func TestTransferErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransferError{Cause: cause}

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "transfer failed: connection refused", err.Error())
	assert.Equal(t, "transfer failed", (&TransferError{}).Error())
}

func TestPlacementErrorMessage(t *testing.T) {
	cause := errors.New("permission denied")

	withTarget := &PlacementError{Source: "/tmp/a.part", Target: "/docs/a.zip", Err: cause}
	assert.Equal(t, "failed to place /tmp/a.part at /docs/a.zip: permission denied", withTarget.Error())
	require.ErrorIs(t, withTarget, cause)

	withoutTarget := &PlacementError{Source: "/tmp/a.part", Err: cause}
	assert.Equal(t, "failed to place /tmp/a.part: permission denied", withoutTarget.Error())
}

func TestInvalidStateError(t *testing.T) {
	err := &InvalidStateError{TaskID: "abc", Action: "resume", Status: StatusCompleted}

	assert.Equal(t, "cannot resume task abc while completed", err.Error())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrNotFound)
}
