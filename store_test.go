package cortex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	// Absent record reads as (nil, nil).
	data, err := s.Read("missing")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.Write("rec", []byte(`{"a":1}`)))
	data, err = s.Read("rec")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)

	require.NoError(t, s.Write("rec", []byte(`{"a":2}`)))
	data, err = s.Read("rec")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), data)

	require.NoError(t, s.Delete("rec"))
	data, err = s.Read("rec")
	require.NoError(t, err)
	assert.Nil(t, data)

	// Deleting an absent record is a no-op.
	require.NoError(t, s.Delete("rec"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	testStore(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Write("rec", []byte("abc")))

	data, err := s.Read("rec")
	require.NoError(t, err)
	data[0] = 'x'

	again, err := s.Read("rec")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write("rec", []byte("durable")))
	require.NoError(t, s.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Read("rec")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), data)
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}
