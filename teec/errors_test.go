package teec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrnoMapsKnownErrnos(t *testing.T) {
	cases := []struct {
		errno int
		want  Code
	}{
		{0, Success},
		{-int(eINVAL), BadParameters},
		{-int(eFAULT), AccessDenied},
		{-int(eACCES), AccessDenied},
		{-int(ePERM), AccessDenied},
		{-int(eNOMEM), OutOfMemory},
		{-int(eNODEV), TargetDead},
		{-int(eIO), TargetDead},
		{-int(eNOSYS), NotSupported},
		{-int(eOPNOTSUPP), NotSupported},
		{-int(eINTR), Interrupted},
		{-9999, Generic},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, FromErrno(c.errno), "errno %d", c.errno)
	}
}

func TestCodeStringCoversEveryDefinedCode(t *testing.T) {
	codes := []Code{
		Success, BadParameters, AccessDenied, OutOfMemory, Generic,
		TargetDead, CaAuthFailed, Interrupted, NotSupported, TrustedAppLoadError,
	}

	for _, c := range codes {
		assert.NotEqual(t, "unknown", c.String())
	}

	assert.Equal(t, "unknown", Code(999).String())
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := NewError(Generic, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "underlying failure")
}

func TestErrorWithoutCauseOmitsTrailer(t *testing.T) {
	err := NewError(BadParameters, nil)
	assert.NotContains(t, err.Error(), "): ")
}

func TestNewErrorWithOriginCarriesReturnCode(t *testing.T) {
	err := NewErrorWithOrigin(TrustedAppLoadError, 3, 0xffff0006, nil)

	assert.Equal(t, uint32(3), err.Origin)
	assert.Equal(t, uint32(0xffff0006), err.ReturnCode)
}

func TestCodeIsMatchesWrappedError(t *testing.T) {
	err := NewError(TargetDead, nil)
	assert.True(t, errors.Is(err, TargetDead))
	assert.False(t, errors.Is(err, BadParameters))
}
