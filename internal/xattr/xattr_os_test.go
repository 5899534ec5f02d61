package xattr

import (
	"context"
	"testing"

	osxattr "github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireXattrSupport probes the test filesystem directly; tmpfs and some CI
// filesystems reject user xattrs.
func requireXattrSupport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := osxattr.Set(dir, "user.snapbak.probe", []byte("1")); err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}
	_ = osxattr.Remove(dir, "user.snapbak.probe")
	return dir
}

func TestOSStore_SetGetRemove_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := requireXattrSupport(t)
	store := NewOSStore()

	require.NoError(t, store.Set(ctx, dir, NewAttr("sync.name", []byte("mount-1")), Create))

	attrs, err := store.Get(ctx, dir, []string{"sync.name", "missing"})
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "sync.name", attrs[0].Key)
	assert.Equal(t, []byte("mount-1"), attrs[0].Value)

	require.NoError(t, store.Remove(ctx, dir, "sync.name"))
	require.ErrorIs(t, store.Remove(ctx, dir, "sync.name"), ErrAttrNotFound)
}

func TestOSStore_StrictFlags(t *testing.T) {
	ctx := context.Background()
	dir := requireXattrSupport(t)
	store := NewOSStore()

	require.ErrorIs(t, store.Set(ctx, dir, NewAttr("k", []byte("v")), Replace), ErrAttrNotFound)

	require.NoError(t, store.Set(ctx, dir, NewAttr("k", []byte("v")), Create))
	require.ErrorIs(t, store.Set(ctx, dir, NewAttr("k", []byte("v2")), Create), ErrAttrExists)

	require.NoError(t, store.Set(ctx, dir, NewAttr("k", []byte("v3")), Replace))
	attrs, err := store.Get(ctx, dir, []string{"k"})
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, []byte("v3"), attrs[0].Value)
}

func TestOSStore_Get_AllListsUserNamespace(t *testing.T) {
	ctx := context.Background()
	dir := requireXattrSupport(t)
	store := NewOSStore()

	require.NoError(t, store.Set(ctx, dir, NewAttr("b", []byte("2")), Create))
	require.NoError(t, store.Set(ctx, dir, NewAttr("a", []byte("1")), Create))

	attrs, err := store.Get(ctx, dir, nil)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, "a", attrs[0].Key)
	assert.Equal(t, "b", attrs[1].Key)
}
