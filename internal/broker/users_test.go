package broker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOsUserLookupResolvesCurrentUser(t *testing.T) {
	name, err := osUserLookup(uint32(os.Getuid()))
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}

func TestOsUserLookupFailsForUnknownUID(t *testing.T) {
	_, err := osUserLookup(0xfffffffe)
	assert.Error(t, err)
}
