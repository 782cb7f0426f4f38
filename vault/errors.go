// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

import "errors"

var (
	// ErrBadCredentials is returned when the supplied master password does
	// not open the store file.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrDuplicate is returned when an entry or group already exists at the
	// target path.
	ErrDuplicate = errors.New("already exists")

	// ErrNotFound is returned when the target path names no entry or group.
	ErrNotFound = errors.New("not found")

	errLocalIDSet = errors.New("local id already set")
	errBadFormat  = errors.New("malformed store file")
)
