//go:build windows || js || wasip1

package storage

import "os"

// foldFileInfo has no portable device/inode pair on these platforms, so
// db_id is derived from the canonical path alone.
func foldFileInfo(fi os.FileInfo) uint64 {
	return 0
}
