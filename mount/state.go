// Package mount is the mount lifecycle: a registry of devices, each moving
// through Unmounted, Mounting, Mounted (read-only or read-write), Unmounting
// and back, with Faulted reachable from anywhere.
package mount

import (
	"fmt"
	"time"

	"github.com/lspecian/vexfs-sub011/bcache"
	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/variant"
)

// State of one device in the registry.
type State int

const (
	UNMOUNTED State = iota
	MOUNTING
	MOUNTED_RO
	MOUNTED_RW
	UNMOUNTING
	FAULTED
)

var stateNames = [...]string{"unmounted", "mounting", "mounted-ro", "mounted-rw", "unmounting", "faulted"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mounted reports whether s is one of the two mounted states.
func (s State) Mounted() bool {
	return s == MOUNTED_RO || s == MOUNTED_RW
}

const DEFAULT_TIMEOUT = 10 * time.Second

// Options configures one mount.
type Options struct {
	ReadOnly bool
	// Timeout bounds the Mounting state. A mount that overruns it leaves the
	// device Faulted.
	Timeout    time.Duration
	Variant    variant.Variant
	Logger     common.Logger
	CacheSlots int
	// Repair runs a repairing consistency check when a read-write mount
	// finds the device was not cleanly unmounted.
	Repair bool
}

// DefaultOptions returns a read-write kernel-variant mount that repairs
// unclean devices.
func DefaultOptions() Options {
	return Options{
		Timeout:    DEFAULT_TIMEOUT,
		Variant:    variant.Kernel(),
		CacheSlots: bcache.DEFAULT_SLOTS,
		Repair:     true,
	}
}

// Info describes one registered device.
type Info struct {
	ID       string
	State    State
	Session  string // session UUID while mounted
	WasDirty bool
	Fault    error
}
