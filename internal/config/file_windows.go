//go:build windows

package config

import (
	"os"
)

// openConfigFile opens the config file. Windows has no O_NOFOLLOW.
func openConfigFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}

// checkFileOwnership is a no-op; Windows ownership is ACL based.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}

// checkFileMode is a no-op; Windows does not report unix permission bits.
func checkFileMode(_ os.FileInfo) error {
	return nil
}
