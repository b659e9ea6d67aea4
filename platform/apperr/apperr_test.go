package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Conflict("state changed concurrently").WithOp("care.repository.apply_transition")
	wrapped := fmt.Errorf("apply transition: %w", base)

	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindInternal))
	assert.Equal(t, KindUnknown, GetKind(errors.New("plain")))
	assert.Equal(t, "care.repository.apply_transition: state changed concurrently", base.Error())
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUnavailable, "webhook endpoint unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus())
	assert.Equal(t, "unavailable", err.Kind.String())
}
