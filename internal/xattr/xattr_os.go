package xattr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"syscall"

	osxattr "github.com/pkg/xattr"
)

// OSStore writes real extended attributes through the kernel. Attributes
// survive renames and travel with filesystem-level copies, but the backing
// filesystem must support the user namespace. Select with attrs.backend "os".
type OSStore struct{}

var _ Store = (*OSStore)(nil)

func NewOSStore() *OSStore {
	return &OSStore{}
}

// platformName builds the on-disk attribute name. Linux requires the "user."
// prefix for unprivileged attributes; other platforms just store the name
// verbatim, which keeps List parsing uniform.
func platformName(key string) string {
	return NamespaceUser + "." + key
}

func (s *OSStore) Set(ctx context.Context, path string, attr Attr, flag Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attr.Key == "" {
		return fmt.Errorf("set attr on %s: empty key", path)
	}

	var platformFlag int
	var onErrno struct {
		errno  error
		mapped error
	}
	switch flag {
	case Create:
		platformFlag = osxattr.XATTR_CREATE
		onErrno.errno, onErrno.mapped = syscall.EEXIST, ErrAttrExists
	case Replace:
		platformFlag = osxattr.XATTR_REPLACE
		onErrno.errno, onErrno.mapped = osxattr.ENOATTR, ErrAttrNotFound
	default:
		return fmt.Errorf("set attr %s on %s: invalid flag %s", attr.Key, path, flag)
	}

	if err := osxattr.SetWithFlags(path, platformName(attr.Key), attr.Value, platformFlag); err != nil {
		if isErrno(err, onErrno.errno) {
			return fmt.Errorf("set attr %s on %s: %w", attr.Key, path, onErrno.mapped)
		}
		return fmt.Errorf("set attr %s on %s: %w", attr.Key, path, err)
	}
	return nil
}

func (s *OSStore) Get(ctx context.Context, path string, keys []string) ([]Attr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		names, err := osxattr.List(path)
		if err != nil {
			return nil, fmt.Errorf("list attrs on %s: %w", path, err)
		}
		keys = make([]string, 0, len(names))
		for _, name := range names {
			if strings.HasPrefix(name, NamespaceUser+".") {
				keys = append(keys, strings.TrimPrefix(name, NamespaceUser+"."))
			}
		}
		sort.Strings(keys)
	}

	attrs := make([]Attr, 0, len(keys))
	for _, key := range keys {
		value, err := osxattr.Get(path, platformName(key))
		if err != nil {
			if isErrno(err, osxattr.ENOATTR) {
				continue // present-subset contract
			}
			return nil, fmt.Errorf("get attr %s on %s: %w", key, path, err)
		}
		attrs = append(attrs, NewAttr(key, value))
	}
	return attrs, nil
}

func (s *OSStore) Remove(ctx context.Context, path string, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := osxattr.Remove(path, platformName(key)); err != nil {
		if isErrno(err, osxattr.ENOATTR) {
			return fmt.Errorf("remove attr %s on %s: %w", key, path, ErrAttrNotFound)
		}
		return fmt.Errorf("remove attr %s on %s: %w", key, path, err)
	}
	return nil
}

// isErrno matches the syscall errno wrapped inside a pkg/xattr error.
func isErrno(err, errno error) bool {
	var xerr *osxattr.Error
	if errors.As(err, &xerr) {
		return errors.Is(xerr.Err, errno)
	}
	return errors.Is(err, errno)
}
