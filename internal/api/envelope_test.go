package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"screenloom/internal/apperr"
)

func TestOk_WrapsDataWithNoError(t *testing.T) {
	r := Ok(42)
	require.NotNil(t, r.Data)
	require.Equal(t, 42, *r.Data)
	require.Nil(t, r.Error)
}

func TestFail_UnwrapsAppErrCode(t *testing.T) {
	err := apperr.Validation("bad_thing", "it broke", errors.New("cause"))
	r := Fail[int](err)
	require.Nil(t, r.Data)
	require.Equal(t, "bad_thing", r.Error.Code)
	require.Equal(t, "it broke", r.Error.Message)
	require.Equal(t, "cause", r.Error.Details)
}

func TestFail_UnclassifiedErrorGetsGenericCode(t *testing.T) {
	r := Fail[int](errors.New("boom"))
	require.Equal(t, "internal", r.Error.Code)
}

func TestHTTPStatus_MapsClassToStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, httpStatus(apperr.Validation("x", "x", nil)))
	require.Equal(t, http.StatusUnauthorized, httpStatus(apperr.Unauthorized("x", "x", nil)))
	require.Equal(t, http.StatusInternalServerError, httpStatus(errors.New("unclassified")))
}
