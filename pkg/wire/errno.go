// Package wire defines the PDS wire contract: error codes, operation
// codes, and the scalar packing primitives required of the message
// transport (spec §6). The transport contract is pkg/transport, with a
// reference implementation in pkg/transport/tcp; this package is what
// both a transport implementation and the dispatcher compile against.
package wire

// Errno is a PDS error code. All error codes are negative; OK and
// READONLY are the only non-negative completion codes. Values follow
// original_source/src/include/pious_errno.h verbatim so that a cold
// TLOG/FHDB written by an earlier, C, instance of this protocol remains
// interpretable.
type Errno int32

const (
	READONLY Errno = 1
	OK       Errno = 0

	EACCES       Errno = -2
	EBADF        Errno = -3
	EBUSY        Errno = -4
	EEXIST       Errno = -5
	EFBIG        Errno = -6
	EINVAL       Errno = -7
	ENOTREG      Errno = -8
	EINSUF       Errno = -9
	ENAMETOOLONG Errno = -10
	ENOENT       Errno = -11
	ENOSPC       Errno = -12
	ENOTDIR      Errno = -13
	ENOTEMPTY    Errno = -14
	EISDIR       Errno = -15
	EPERM        Errno = -16
	EXDEV        Errno = -17

	ETIMEOUT Errno = -90
	EPROTO   Errno = -91
	ENOTLOG  Errno = -92
	ESRCDEST Errno = -93
	ETPORT   Errno = -94
	EABORT   Errno = -95
	EUNXP    Errno = -96
	ECHCKPT  Errno = -97
	ERECOV   Errno = -98
	EFATAL   Errno = -99
)

var text = map[Errno]string{
	READONLY:     "vote to commit read-only transaction",
	OK:           "function completed successfully",
	EACCES:       "path search permission or access mode denied",
	EBADF:        "bad file handle/descriptor",
	EBUSY:        "resource currently unavailable for use",
	EEXIST:       "file exists",
	EFBIG:        "file size exceeds system constraints",
	EINVAL:       "invalid argument",
	ENOTREG:      "file is not a regular file",
	EINSUF:       "insufficient system resources for operation",
	ENAMETOOLONG: "path or path component name is too long",
	ENOENT:       "no such file or directory",
	ENOSPC:       "no space left on device",
	ENOTDIR:      "a component of the path prefix is not a dir",
	ENOTEMPTY:    "directory not empty",
	EISDIR:       "path specifies a directory entry",
	EPERM:        "operation not permitted",
	EXDEV:        "attempted improper link to external file system",
	ETIMEOUT:     "function timed-out prior to completion",
	EPROTO:       "transaction operation or 2PC protocol error",
	ENOTLOG:      "information not written to log file",
	ESRCDEST:     "invalid transport source/destination address",
	ETPORT:       "error condition in underlying transport system",
	EABORT:       "transaction operation aborted",
	EUNXP:        "unexpected error condition encountered",
	ECHCKPT:      "check-point required",
	ERECOV:       "failure recovery required",
	EFATAL:       "fatal error occurred; check error log",
}

func (e Errno) Error() string {
	if s, ok := text[e]; ok {
		return s
	}
	return "unknown PDS error code"
}

// Ok reports whether e is a successful completion code (OK or READONLY).
func (e Errno) Ok() bool {
	return e == OK || e == READONLY
}
