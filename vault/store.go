// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault implements the on-disk encrypted credential store. A
// store is a tree of groups and entries sealed into a single file; every
// mutation flushes to disk so the file image always reflects the tree.
package vault

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/moby/sys/atomicwriter"
)

type fileImage struct {
	Name string `cbor:"1,keyasint"`
	Root *Group `cbor:"2,keyasint"`
}

// Store is an encrypted credential database on local disk. All methods
// are serialized by an internal lock; concurrent callers within one
// process never observe a partially applied mutation.
type Store struct {
	mu sync.Mutex

	path     string
	password string
	salt     []byte
	name     string
	root     *Group

	localID    int
	localIDSet bool
}

// Open reads and decrypts the store at [path]. A wrong password surfaces
// ErrBadCredentials.
func Open(path, password string) (*Store, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	salt, plaintext, err := unseal(password, image)
	if err != nil {
		return nil, err
	}
	var fi fileImage
	if err := cbor.Unmarshal(plaintext, &fi); err != nil {
		return nil, fmt.Errorf("%w: %s", errBadFormat, err)
	}
	if fi.Root == nil {
		fi.Root = &Group{}
	}
	return &Store{
		path:     path,
		password: password,
		salt:     append([]byte{}, salt...),
		name:     fi.Name,
		root:     fi.Root,
	}, nil
}

// Create writes a fresh, empty store named [name] to [path].
func Create(path, password, name string) (*Store, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:     path,
		password: password,
		salt:     salt,
		name:     name,
		root:     &Group{},
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

// LocalID returns the context registry id assigned to this store.
func (s *Store) LocalID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// SetLocalID fixes the context registry id. It is immutable once set.
func (s *Store) SetLocalID(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localIDSet {
		return errLocalIDSet
	}
	s.localID = id
	s.localIDSet = true
	return nil
}

// AddEntry inserts a credential titled [title] under the group at
// [groupPath]. Re-adding an existing title fails with ErrDuplicate.
func (s *Store) AddEntry(groupPath []string, title, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.root.findGroup(groupPath)
	if group == nil {
		return fmt.Errorf("%w: group %q", ErrNotFound, pathString(groupPath))
	}
	if group.childEntry(title) != nil {
		return fmt.Errorf("%w: entry %q", ErrDuplicate, title)
	}
	group.Entries = append(group.Entries, &Entry{
		Title:    title,
		Username: username,
		Password: password,
	})
	return s.save()
}

// AddGroup inserts a group named [name] under the group at [parentPath].
func (s *Store) AddGroup(parentPath []string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.root.findGroup(parentPath)
	if parent == nil {
		return fmt.Errorf("%w: group %q", ErrNotFound, pathString(parentPath))
	}
	if parent.childGroup(name) != nil {
		return fmt.Errorf("%w: group %q", ErrDuplicate, name)
	}
	parent.Groups = append(parent.Groups, &Group{Name: name})
	return s.save()
}

// DeleteEntry removes the entry at [entryPath]; the final segment is the
// entry title.
func (s *Store) DeleteEntry(entryPath []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entryPath) == 0 {
		return fmt.Errorf("%w: empty entry path", ErrNotFound)
	}
	parent := s.root.findGroup(entryPath[:len(entryPath)-1])
	if parent == nil || !parent.removeChildEntry(entryPath[len(entryPath)-1]) {
		return fmt.Errorf("%w: entry %q", ErrNotFound, pathString(entryPath))
	}
	return s.save()
}

// DeleteGroup removes the group at [groupPath] with everything under it.
// The root group cannot be deleted.
func (s *Store) DeleteGroup(groupPath []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(groupPath) == 0 || (len(groupPath) == 1 && groupPath[0] == "") {
		return fmt.Errorf("%w: cannot delete the root group", ErrNotFound)
	}
	parent := s.root.findGroup(groupPath[:len(groupPath)-1])
	if parent == nil || !parent.removeChildGroup(groupPath[len(groupPath)-1]) {
		return fmt.Errorf("%w: group %q", ErrNotFound, pathString(groupPath))
	}
	return s.save()
}

// Rename sets the store's display name.
func (s *Store) Rename(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	return s.save()
}

// Name returns the store's display name.
func (s *Store) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Filename returns the on-disk path of the store file.
func (s *Store) Filename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Password returns the master password the store was opened with.
func (s *Store) Password() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

// Entries returns every credential in the store with its full path.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	s.root.walk(nil, func(path []string, grp *Group) {
		for _, e := range grp.Entries {
			copied := *e
			copied.Path = append(append([]string{}, path...), e.Title)
			out = append(out, copied)
		}
	})
	return out
}

// Groups returns every group in the store with its full path. The root
// group is reported with an empty path.
func (s *Store) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Group
	s.root.walk(nil, func(path []string, grp *Group) {
		out = append(out, Group{
			Name: grp.Name,
			Path: append([]string{}, path...),
		})
	})
	return out
}

// Snapshot returns the on-disk byte image after flushing pending changes.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.path)
}

// Save flushes the tree to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// save seals and writes the file image. Callers hold s.mu.
func (s *Store) save() error {
	plaintext, err := cbor.Marshal(fileImage{Name: s.name, Root: s.root})
	if err != nil {
		return err
	}
	image, err := seal(s.password, s.salt, plaintext)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path, image, 0o600)
}

func pathString(path []string) string {
	out := ""
	for i, segment := range path {
		if i > 0 {
			out += "/"
		}
		out += segment
	}
	return out
}
