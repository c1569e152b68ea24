//go:build linux

package watcher

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Superblock magic numbers from statfs(2).
const (
	nfsSuperMagic  uint32 = 0x6969
	smbSuperMagic  uint32 = 0x517b
	cifsSuperMagic uint32 = 0xff534d42
	smb2SuperMagic uint32 = 0xfe534d42
	fuseSuperMagic uint32 = 0x65735546
)

func detectFilesystemType(path string) FilesystemType {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSTypeUnknown
	}
	switch uint32(st.Type) {
	case nfsSuperMagic:
		return FSTypeNFS
	case smbSuperMagic, cifsSuperMagic, smb2SuperMagic:
		return FSTypeSMB
	case fuseSuperMagic:
		if fuseSubtype(path) == "sshfs" {
			return FSTypeSSHFS
		}
		return FSTypeFUSE
	default:
		return FSTypeLocal
	}
}

// fuseSubtype returns the fuse.<subtype> of the mount holding path, read from
// /proc/self/mounts, or "" when it cannot be determined.
func fuseSubtype(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return ""
	}
	defer f.Close()

	var best, bestType string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mnt, typ := fields[1], fields[2]
		if abs != mnt && !strings.HasPrefix(abs, strings.TrimSuffix(mnt, "/")+"/") {
			continue
		}
		if len(mnt) > len(best) {
			best, bestType = mnt, typ
		}
	}
	return strings.TrimPrefix(bestType, "fuse.")
}
