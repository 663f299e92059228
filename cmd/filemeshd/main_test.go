package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateIdentityPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	kp1, err := loadOrGenerateIdentity(path)
	require.NoError(t, err)

	kp2, err := loadOrGenerateIdentity(path)
	require.NoError(t, err)

	assert.Equal(t, kp1.Public, kp2.Public)
	assert.Equal(t, kp1.Private, kp2.Private)
}
