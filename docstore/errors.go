// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"errors"
	"fmt"
)

// ErrRootLocked is reported (wrapped in a *StorageError) when a second
// session tries to open a storage root that is already owned by a live
// session. The root is exclusively owned by one process at a time.
var ErrRootLocked = errors.New("storage root is locked by another session")

// AuthError indicates malformed or rejected credentials (app ID or
// playground token).
type AuthError struct {
	err error
}

func (e *AuthError) Error() string { return "auth: " + e.err.Error() }
func (e *AuthError) Unwrap() error { return e.err }

func authErrorf(format string, args ...any) error {
	return &AuthError{err: fmt.Errorf(format, args...)}
}

// StorageError indicates the local storage root is inaccessible or locked.
type StorageError struct {
	err error
}

func (e *StorageError) Error() string { return "storage: " + e.err.Error() }
func (e *StorageError) Unwrap() error { return e.err }

func storageErrorf(format string, args ...any) error {
	return &StorageError{err: fmt.Errorf(format, args...)}
}

// QueryError indicates malformed query text or a parameter mismatch.
// A query that matches nothing is not an error; it yields an empty ResultSet.
type QueryError struct {
	err error
}

func (e *QueryError) Error() string { return "query: " + e.err.Error() }
func (e *QueryError) Unwrap() error { return e.err }

func queryErrorf(format string, args ...any) error {
	return &QueryError{err: fmt.Errorf(format, args...)}
}

// IOError indicates a local file could not be read during attachment upload.
type IOError struct {
	err error
}

func (e *IOError) Error() string { return "io: " + e.err.Error() }
func (e *IOError) Unwrap() error { return e.err }

func ioErrorf(format string, args ...any) error {
	return &IOError{err: fmt.Errorf(format, args...)}
}
