package instance

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), HolderPID(dir))

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = Acquire(dir)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestHolderPIDMissing(t *testing.T) {
	assert.Zero(t, HolderPID(t.TempDir()))
}
