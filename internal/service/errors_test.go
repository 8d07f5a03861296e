package service

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	err := NewError("tts", "launch", ErrLaunch, os.ErrPermission)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "service tts: launch: launch failed: permission denied", err.Error())
	assert.Equal(t, "LaunchError", KindName(err))
}

func TestErrorWithoutDistinctCause(t *testing.T) {
	err := NewError("gateway", "resolve", ErrRuntimeNotFound, ErrRuntimeNotFound)
	assert.Equal(t, "service gateway: resolve: runtime not found", err.Error())
	assert.Equal(t, "RuntimeNotFound", KindName(err))
	assert.Equal(t, "", KindName(errors.New("other")))
	assert.Equal(t, "", KindName(nil))
}

func TestFleetError(t *testing.T) {
	fe := &FleetError{Failed: []*Error{
		NewError("gateway", "resolve", ErrRuntimeNotFound, nil),
	}}
	assert.ErrorIs(t, fe, ErrRuntimeNotFound)
	assert.Equal(t, []string{"gateway"}, fe.Services())
	assert.Contains(t, fe.Error(), "gateway")

	var se *Error
	assert.True(t, errors.As(fe, &se))
	assert.Equal(t, "gateway", se.ID)

	fe.Failed = append(fe.Failed, NewError("stt", "probe", ErrHealthProbeTimeout, nil))
	assert.Contains(t, fe.Error(), "2 services")
}
