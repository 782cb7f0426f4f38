// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vault")
	store, err := Create(path, "hunter2", "homelab")
	require.NoError(t, err)
	return store
}

func TestCreateOpenRoundTrip(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.AddGroup(nil, "servers"))
	require.NoError(store.AddEntry([]string{"servers"}, "nas", "admin", "s3cret"))

	reopened, err := Open(store.Filename(), "hunter2")
	require.NoError(err)
	require.Equal("homelab", reopened.Name())

	entries := reopened.Entries()
	require.Len(entries, 1)
	require.Equal("nas", entries[0].Title)
	require.Equal("admin", entries[0].Username)
	require.Equal("s3cret", entries[0].Password)
	require.Equal([]string{"servers", "nas"}, entries[0].Path)
}

func TestOpenWrongPassword(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	_, err := Open(store.Filename(), "not-hunter2")
	require.ErrorIs(err, ErrBadCredentials)
}

func TestAddEntryErrors(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.AddEntry(nil, "mail", "bob", "pw"))

	err := store.AddEntry(nil, "mail", "bob", "pw")
	require.ErrorIs(err, ErrDuplicate)

	err = store.AddEntry([]string{"missing"}, "other", "bob", "pw")
	require.ErrorIs(err, ErrNotFound)
}

func TestAddGroupErrors(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.AddGroup(nil, "web"))
	require.ErrorIs(store.AddGroup(nil, "web"), ErrDuplicate)
	require.ErrorIs(store.AddGroup([]string{"missing"}, "sub"), ErrNotFound)
}

func TestDeleteEntry(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.AddGroup(nil, "web"))
	require.NoError(store.AddEntry([]string{"web"}, "blog", "bob", "pw"))

	require.NoError(store.DeleteEntry([]string{"web", "blog"}))
	require.Empty(store.Entries())
	require.ErrorIs(store.DeleteEntry([]string{"web", "blog"}), ErrNotFound)
}

func TestAddThenDeleteGroupRestoresState(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	before := len(store.Groups())

	require.NoError(store.AddGroup(nil, "scratch"))
	require.NoError(store.AddGroup([]string{"scratch"}, "deeper"))
	require.NoError(store.DeleteGroup([]string{"scratch"}))

	require.Len(store.Groups(), before)
	require.ErrorIs(store.DeleteGroup([]string{"scratch"}), ErrNotFound)
}

func TestDeleteRootGroupRefused(t *testing.T) {
	store := testStore(t)
	require.ErrorIs(t, store.DeleteGroup(nil), ErrNotFound)
	require.ErrorIs(t, store.DeleteGroup([]string{""}), ErrNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.AddGroup(nil, "servers"))
	require.NoError(store.AddEntry([]string{"servers"}, "nas", "admin", "pw"))

	image, err := store.Snapshot()
	require.NoError(err)

	// A replica written from the byte image opens with the same
	// password and carries equal logical content.
	replicaPath := filepath.Join(t.TempDir(), "replica.vault")
	require.NoError(os.WriteFile(replicaPath, image, 0o600))

	replica, err := Open(replicaPath, "hunter2")
	require.NoError(err)
	require.Equal(store.Name(), replica.Name())
	require.Equal(store.Entries(), replica.Entries())
	require.Equal(store.Groups(), replica.Groups())
}

func TestRename(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.Rename("renamed"))

	reopened, err := Open(store.Filename(), "hunter2")
	require.NoError(err)
	require.Equal("renamed", reopened.Name())
}

func TestLocalIDImmutable(t *testing.T) {
	require := require.New(t)

	store := testStore(t)
	require.NoError(store.SetLocalID(3))
	require.Equal(3, store.LocalID())
	require.Error(store.SetLocalID(4))
	require.Equal(3, store.LocalID())
}
