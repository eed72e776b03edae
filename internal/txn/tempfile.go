package txn

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// openTemp opens an unnamed temporary file inside dir via O_TMPFILE, so the
// transaction has no visible name until it's explicitly linked into place
// at commit. If the filesystem doesn't support O_TMPFILE (some overlay or
// network filesystems don't), it falls back to a randomly named ".tmp-*"
// sibling file that is unlinked immediately after being opened, leaving an
// open-but-nameless descriptor behaviorally equivalent to O_TMPFILE.
func openTemp(dir string) (*os.File, error) {
	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR, 0o600)
	if err == nil {
		return os.NewFile(uintptr(fd), filepath.Join(dir, "tmpfile")), nil
	}

	name := filepath.Join(dir, fmt.Sprintf(".tmp-%x", rand.Uint64()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "txn: open temp file in %s", dir)
	}
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "txn: unlink temp file %s", name)
	}
	return f, nil
}

// linkOrRename publishes tmp at finalPath, failing if something already
// exists there. Neither an O_TMPFILE descriptor nor the unlinked-sibling
// fallback has a path left to rename from, so both are published the same
// way: link the still-open descriptor's /proc/self/fd entry into place.
func linkOrRename(tmp *os.File, finalPath string) error {
	err := unix.Linkat(unix.AT_FDCWD, procFdPath(tmp), unix.AT_FDCWD, finalPath, unix.AT_SYMLINK_FOLLOW)
	if err != nil {
		return errors.Wrapf(mapLinkErr(err), "txn: publish %s", finalPath)
	}
	if err := setReadOnly(finalPath); err != nil {
		return err
	}
	return tmp.Close()
}

// linkOrRenameReplacing is like linkOrRename but allows finalPath to
// already exist: the new file atomically replaces it.
func linkOrRenameReplacing(tmp *os.File, finalPath string) error {
	staging := finalPath + ".incoming"
	_ = os.Remove(staging)
	if err := unix.Linkat(unix.AT_FDCWD, procFdPath(tmp), unix.AT_FDCWD, staging, unix.AT_SYMLINK_FOLLOW); err != nil {
		return errors.Wrapf(err, "txn: stage %s", staging)
	}
	if err := setReadOnly(staging); err != nil {
		return err
	}
	if err := os.Rename(staging, finalPath); err != nil {
		return errors.Wrapf(err, "txn: replace %s", finalPath)
	}
	return tmp.Close()
}

func procFdPath(f *os.File) string {
	return fmt.Sprintf("/proc/self/fd/%d", f.Fd())
}

// mapLinkErr translates EEXIST from Linkat into fs.ErrExist so callers can
// use errors.Is(err, os.ErrExist) uniformly.
func mapLinkErr(err error) error {
	if errors.Is(err, unix.EEXIST) {
		return fs.ErrExist
	}
	return err
}

func setReadOnly(path string) error {
	mask := unix.Umask(0)
	unix.Umask(mask)
	mode := 0o444 &^ mask
	return errors.Wrapf(os.Chmod(path, fs.FileMode(mode)), "txn: chmod %s", path)
}

// syncDir fsyncs the directory entry so a rename/link published above
// survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "txn: open dir %s for sync", dir)
	}
	defer d.Close()
	return errors.Wrapf(d.Sync(), "txn: fsync dir %s", dir)
}
