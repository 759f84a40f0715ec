package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTripsBreaker_ByClass(t *testing.T) {
	t.Parallel()
	require.True(t, TripsBreaker(Transient("vlm_timeout", "timed out", nil)))
	require.True(t, TripsBreaker(Resource("db_busy", "db busy", nil)))
	require.False(t, TripsBreaker(Validation("schema_parse", "bad json", nil)))
	require.False(t, TripsBreaker(Unauthorized("missing_key", "no api key", nil)))
}

func TestTripsBreaker_UnclassifiedDefaultsTrue(t *testing.T) {
	t.Parallel()
	require.True(t, TripsBreaker(errors.New("unknown failure")))
}

func TestTripsBreaker_WrappedError(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("context: %w", Validation("schema_parse", "bad json", nil))
	require.False(t, TripsBreaker(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp: timeout")
	err := Transient("vlm_timeout", "call timed out", cause)
	require.ErrorIs(t, err, cause)
}
