package app

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIDIsDeterministic(t *testing.T) {
	first, err := DeriveID(idSecret, transferIDNamespace, usdLedger+"/t1")
	require.NoError(t, err)
	second, err := DeriveID(idSecret, transferIDNamespace, usdLedger+"/t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
	assert.Equal(t, uuid.RFC4122, parsed.Variant())
}

func TestDeriveIDDependsOnEveryInput(t *testing.T) {
	base, err := DeriveID(idSecret, transferIDNamespace, usdLedger+"/t1")
	require.NoError(t, err)

	otherKey, err := DeriveID(idSecret, transferIDNamespace, usdLedger+"/t2")
	require.NoError(t, err)
	otherNamespace, err := DeriveID(idSecret, "quote", usdLedger+"/t1")
	require.NoError(t, err)
	otherSecret, err := DeriveID([]byte("another secret"), transferIDNamespace, usdLedger+"/t1")
	require.NoError(t, err)

	assert.NotEqual(t, base, otherKey)
	assert.NotEqual(t, base, otherNamespace)
	assert.NotEqual(t, base, otherSecret)
}

func TestDeriveIDRequiresSecret(t *testing.T) {
	_, err := DeriveID(nil, transferIDNamespace, "key")
	assert.ErrorIs(t, err, ErrMissingIDSecret)
}
