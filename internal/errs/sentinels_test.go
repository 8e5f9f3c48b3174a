package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReason_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("assign station: %w",
		WithReason(ErrConflict, "STATION_CAPACITY_EXCEEDED", "station is full", map[string]any{"used": 3}))

	require.ErrorIs(t, err, ErrConflict)
	reason, details, ok := Reason(err)
	require.True(t, ok)
	require.Equal(t, "STATION_CAPACITY_EXCEEDED", reason)
	require.Equal(t, 3, details["used"])
	require.Equal(t, "assign station: conflict: station is full", err.Error())
}

func TestShorthands(t *testing.T) {
	require.ErrorIs(t, Invalid("limit must be positive"), ErrInvalidArgument)
	reason, _, _ := Reason(Invalid("x"))
	require.Equal(t, "INVALID_ARGUMENT", reason)

	c := Conflict("RESERVATION_CANCELLED", "")
	require.ErrorIs(t, c, ErrConflict)
	require.Equal(t, "conflict: RESERVATION_CANCELLED", c.Error())
}

func TestReason_PlainSentinel(t *testing.T) {
	_, _, ok := Reason(ErrNotFound)
	require.False(t, ok)
	require.False(t, errors.Is(ErrNotFound, ErrConflict))
}
