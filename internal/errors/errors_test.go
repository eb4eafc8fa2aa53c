package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/logsplitter/internal/errors"
)

func TestFactoryNewUsesDefaultMessage(t *testing.T) {
	err := errors.New().New(errors.ErrRelayTimeout)
	assert.Equal(t, "Relay board did not acknowledge", err.Error())
	assert.Equal(t, errors.ErrRelayTimeout, err.Code())
}

func TestFactoryWrapKeepsCause(t *testing.T) {
	err := errors.New().Wrap(errors.ErrSerialIO, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "unexpected EOF")
}

func TestWithDataAppendsDetail(t *testing.T) {
	err := errors.New().WithData(errors.ErrRelayRange, 12)
	assert.Equal(t, errors.GetErrorMessage(errors.ErrRelayRange)+": 12", err.Error())
	assert.Equal(t, 12, err.Data())
	assert.Nil(t, err.Unwrap())
}

func TestHasCodeThroughWrapping(t *testing.T) {
	inner := errors.New().New(errors.ErrRelayNack)
	outer := fmt.Errorf("set relay 3: %w", inner)

	assert.True(t, errors.HasCode(outer, errors.ErrRelayNack))
	assert.False(t, errors.HasCode(outer, errors.ErrRelayTimeout))
	assert.False(t, errors.HasCode(nil, errors.ErrRelayNack))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, errors.ErrInternal, errors.CodeOf(io.EOF))
	err := fmt.Errorf("wrap: %w", errors.New().New(errors.ErrSensorFault))
	assert.Equal(t, errors.ErrSensorFault, errors.CodeOf(err))
}

func TestUnknownCodeMessage(t *testing.T) {
	assert.Equal(t, "custom_code", errors.GetErrorMessage("custom_code"))
}
