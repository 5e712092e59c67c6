package guest

import (
	"log"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

// The isolate needs no writable filesystem; /proc and /dev are enough for
// the Go runtime and the vsock device.
var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc", flags: syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_NOEXEC},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: syscall.MS_NOSUID},
}

// SetupInit mounts the filesystems the agent needs when it runs as PID 1
// inside a microVM. It is a no-op otherwise.
func SetupInit() {
	if os.Getpid() != 1 {
		return
	}

	log.Println("running as PID 1, mounting /proc and /dev")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	os.Setenv("HOME", "/")
	os.Setenv("PATH", "/usr/bin:/bin")
}
