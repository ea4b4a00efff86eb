//go:build unix

package builder

import (
	"io/fs"
	"syscall"
)

// statIdentity extracts the inode identity and ownership of a file.
// Hardlink grouping keys on (dev, ino); nlink tells whether grouping
// is worth tracking at all.
func statIdentity(info fs.FileInfo) (dev, ino, nlink uint64, uid, gid *int) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 1, nil, nil
	}
	u, g := int(st.Uid), int(st.Gid)
	return uint64(st.Dev), uint64(st.Ino), uint64(st.Nlink), &u, &g
}
