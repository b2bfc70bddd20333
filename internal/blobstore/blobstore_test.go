package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPath(t *testing.T) {
	path := HashPath([]byte("hello"), ".txt")

	// sha256("hello") starts with 2cf2...
	assert.Equal(t, "sha256/2c/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt", path)

	// Deterministic.
	assert.Equal(t, path, HashPath([]byte("hello"), ".txt"))
	assert.NotEqual(t, path, HashPath([]byte("world"), ".txt"))
}

func TestHashHex(t *testing.T) {
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashHex([]byte("hello")))
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("sha256/ab/abcd.jpg"))

	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("/absolute/path"))
	assert.Error(t, ValidatePath("a/../b"))
	assert.Error(t, ValidatePath("a//b"))
}
