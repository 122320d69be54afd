package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "tariffs/austin/abc.pdf", "application/pdf", bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)
	require.Equal(t, "memory://tariffs/austin/abc.pdf", uri)

	obj, ok := store.Get("tariffs/austin/abc.pdf")
	require.True(t, ok)
	require.Equal(t, "application/pdf", obj.ContentType)
	obj.Data[0] = 'X'

	again, _ := store.Get("tariffs/austin/abc.pdf")
	require.Equal(t, "%PDF", string(again.Data))
	require.Equal(t, []string{"tariffs/austin/abc.pdf"}, store.Paths())

	_, ok = store.Get("missing")
	require.False(t, ok)
	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
