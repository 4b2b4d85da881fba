package store_test

import (
	"context"
	"testing"

	"github.com/locfind/go-locfind/store"
	"github.com/stretchr/testify/require"
)

func TestMapStoreRoundTrip(t *testing.T) {
	st := store.NewMapStore()
	ctx := context.Background()

	_, err := st.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Put(ctx, "k", []byte("v")))
	val, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	require.NoError(t, st.Put(ctx, "k", []byte("v2")))
	val, err = st.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)

	require.NoError(t, st.Delete(ctx, "k"))
	_, err = st.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting an absent key is not an error for map datastores.
	require.NoError(t, st.Delete(ctx, "k"))
}
