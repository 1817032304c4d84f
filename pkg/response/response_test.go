package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

func handle(t *testing.T, method string, data interface{}, err error) (int, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)

	Handle(c, data, err)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHandleSuccess(t *testing.T) {
	code, resp := handle(t, http.MethodGet, map[string]string{"a": "b"}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, _ = handle(t, http.MethodPost, nil, nil)
	assert.Equal(t, http.StatusCreated, code)
}

func TestHandleMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", types.NewValidationError("quantity", "must be positive"), http.StatusBadRequest, ErrCodeValidationFailed},
		{"order not found", fmt.Errorf("lookup: %w", types.ErrOrderNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"venue not found", venue.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"unknown outcome", types.ErrSubmissionUnknown, http.StatusGatewayTimeout, ErrCodeOutcomeUnknown},
		{"venue down", &venue.ConnectionError{Op: "submit", Err: venue.ErrNotConnected}, http.StatusServiceUnavailable, ErrCodeVenueUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := handle(t, http.MethodPost, nil, tt.err)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}
