package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{NotFound("task", "t1"), http.StatusNotFound},
		{VersionConflict("task", "t1", 3), http.StatusConflict},
		{InvalidState("task", "t1", "completed"), http.StatusConflict},
		{CorrectionLimit("s1", 3), http.StatusConflict},
		{DependencyCycle("a -> b -> a"), http.StatusUnprocessableEntity},
		{RateLimited(time.Second), http.StatusTooManyRequests},
		{Unavailable("cache", 30 * time.Second), http.StatusServiceUnavailable},
		{Backpressure(5 * time.Second), http.StatusServiceUnavailable},
		{Timeout("allocation"), http.StatusGatewayTimeout},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), "code %s", tc.err.Code)
	}
}

func TestWrappingPreservesCode(t *testing.T) {
	base := NotFound("worker", "w1")
	wrapped := fmt.Errorf("allocating: %w", base)

	require.True(t, IsCode(wrapped, CodeNotFound))
	assert.False(t, IsCode(wrapped, CodeValidation))

	coerced := From(wrapped)
	assert.Equal(t, CodeNotFound, coerced.Code)
	assert.Equal(t, "w1", coerced.Details["id"])
}

func TestFromClassifiesDeadline(t *testing.T) {
	err := fmt.Errorf("query: %w", context.DeadlineExceeded)
	coerced := From(err)
	assert.Equal(t, CodeTimeout, coerced.Code)
	assert.True(t, coerced.Retryable)
}

func TestFromFallsBackToInternal(t *testing.T) {
	coerced := From(errors.New("unexpected"))
	assert.Equal(t, CodeInternal, coerced.Code)
	assert.EqualError(t, errors.Unwrap(coerced), "unexpected")
}

func TestRetryableFlags(t *testing.T) {
	assert.True(t, VersionConflict("t", "id", 1).Retryable)
	assert.True(t, RateLimited(time.Second).Retryable)
	assert.True(t, Backpressure(time.Second).Retryable)
	assert.False(t, Validation("x").Retryable)
	assert.False(t, NotFound("t", "id").Retryable)
}
