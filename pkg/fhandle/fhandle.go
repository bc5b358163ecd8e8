// Package fhandle implements FHandle, the opaque per-file identifier
// produced by the stable storage manager's lookup operation.
package fhandle

import "fmt"

// Handle is an opaque identifier for a regular file local to one PDS
// instance. Equality is component-wise; it is obtained only through
// ssm.Lookup and may go stale after FHDB truncation at checkpoint.
type Handle struct {
	Dev uint64
	Ino uint64
}

// Zero is the distinguished "no handle" value; never returned by a
// successful lookup.
var Zero Handle

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Dev, h.Ino)
}

// Hash mixes Dev and Ino into a single value suitable for use as a hash
// chain key (cache manager's file-handle hash chain, lock table index).
// The mix follows the splitmix64 finalizer: cheap, well distributed for
// handle populations far below 2^32.
func (h Handle) Hash() uint64 {
	x := h.Dev*0x9E3779B97F4A7C15 + h.Ino
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
