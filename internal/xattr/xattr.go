// Package xattr persists per-path attributes for the sync service. Sync
// progress markers and mount identity live here, keyed by mount root path.
// Two backends exist: a SQLite table (default, works on any filesystem) and
// real OS extended attributes.
package xattr

import (
	"context"
	"errors"
	"fmt"
)

// NamespaceUser is the namespace all sync attributes live in. Get and Remove
// resolve bare keys within it.
const NamespaceUser = "user"

var (
	ErrAttrExists   = errors.New("attribute already exists")
	ErrAttrNotFound = errors.New("attribute not found")
)

// Flag dictates how Set treats an existing attribute. Both modes are strict;
// there is no unconditional upsert.
type Flag int

const (
	// Create fails with ErrAttrExists if the attribute is already present.
	Create Flag = iota + 1
	// Replace fails with ErrAttrNotFound if the attribute is absent.
	Replace
)

func (f Flag) String() string {
	switch f {
	case Create:
		return "create"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// Attr is a single named attribute on a path.
type Attr struct {
	Namespace string
	Key       string
	Value     []byte
}

// NewAttr returns a user-namespace attribute.
func NewAttr(key string, value []byte) Attr {
	return Attr{Namespace: NamespaceUser, Key: key, Value: value}
}

func (a Attr) String() string {
	return fmt.Sprintf("%s.%s=%dB", a.Namespace, a.Key, len(a.Value))
}

// Store reads and writes attributes on paths. Implementations are safe for
// concurrent use.
type Store interface {
	// Set writes one attribute under the given flag semantics.
	Set(ctx context.Context, path string, attr Attr, flag Flag) error

	// Get returns the attributes present on path for the given user-namespace
	// keys, in stable order. Missing keys are simply absent from the result.
	// Nil or empty keys returns every attribute on the path.
	Get(ctx context.Context, path string, keys []string) ([]Attr, error)

	// Remove deletes the user-namespace attribute named key, failing with
	// ErrAttrNotFound if it is absent.
	Remove(ctx context.Context, path string, key string) error
}
