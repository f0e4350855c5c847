package materialize

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
)

// MarkerXattr flags a shadow file as generated content.
const MarkerXattr = "user.dbfs.generated"

var markerValue = []byte("1")

// Mark sets the generated-file marker on path.
func Mark(path string) error {
	return unix.Setxattr(path, MarkerXattr, markerValue, 0)
}

// IsMarked reports whether path carries the generated-file marker.
func IsMarked(path string) bool {
	buf := make([]byte, len(markerValue))
	_, err := unix.Getxattr(path, MarkerXattr, buf)
	return err == nil
}

// IsMarkedFD is IsMarked for an open descriptor.
func IsMarkedFD(fd int) bool {
	buf := make([]byte, len(markerValue))
	_, err := unix.Fgetxattr(fd, MarkerXattr, buf)
	return err == nil
}

// MarkerUnsupported reports whether err means the filesystem has no user
// extended attributes. Such failures are logged and otherwise ignored.
func MarkerUnsupported(err error) bool {
	return stderrors.Is(err, unix.ENOTSUP) || stderrors.Is(err, unix.EOPNOTSUPP)
}
