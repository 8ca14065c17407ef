//go:build !windows

package config

import (
	"errors"
	"os"
	"syscall"
)

// openConfigFile opens the config file with O_NOFOLLOW to reject symlinks.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsPermission(err) || errors.Is(err, syscall.ELOOP) {
			return nil, ErrSymlink
		}
		return nil, err
	}
	return f, nil
}

// checkFileOwnership verifies the file is owned by the current user.
func checkFileOwnership(info os.FileInfo) error {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Uid != uint32(os.Getuid()) {
		return ErrNotOwnedByUser
	}
	return nil
}

// checkFileMode requires owner-only access.
func checkFileMode(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return &PermissionError{Mode: perm}
	}
	return nil
}
