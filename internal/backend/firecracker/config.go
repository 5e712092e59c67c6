package firecracker

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "VOXELGRID_FC_KERNEL_PATH"
	envRootfsDir     = "VOXELGRID_FC_ROOTFS_DIR"
	envBin           = "VOXELGRID_FC_BIN"
	envVsockPort     = "VOXELGRID_FC_VSOCK_PORT"
	envMaxConcurrent = "VOXELGRID_FC_MAX_CONCURRENT_VMS"
	envVCPUs         = "VOXELGRID_FC_VCPUS"
	envMemMB         = "VOXELGRID_FC_MEM_MB"
	envBootTimeoutMS = "VOXELGRID_FC_BOOT_TIMEOUT_MS"
)

// defaultBin is looked up on PATH when VOXELGRID_FC_BIN is unset.
const defaultBin = "firecracker"

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	// KernelPath is the Firecracker-compatible kernel image. The backend is
	// only registered when it is set.
	KernelPath string

	// RootfsDir holds one rootfs image per runtime (see RootfsPath).
	RootfsDir string

	FirecrackerBin string

	// VsockPort is the port the guest agent listens on.
	VsockPort uint32

	// CIDBase is the first vsock context ID handed to a VM.
	CIDBase uint32

	DefaultVCPUs     int
	DefaultMemMB     int
	MaxConcurrentVMs int

	// BootTimeout bounds VM start plus the guest handshake.
	BootTimeout time.Duration

	// LoadTimeout bounds top-level user code inside the guest.
	LoadTimeout time.Duration
}

// LoadConfig reads Firecracker configuration from environment variables.
// Unset or invalid values keep their defaults.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   defaultBin,
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
		BootTimeout:      DefaultBootTimeout,
	}

	envString(envKernelPath, &cfg.KernelPath)
	envString(envRootfsDir, &cfg.RootfsDir)
	envString(envBin, &cfg.FirecrackerBin)
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil && port > 0 {
			cfg.VsockPort = uint32(port)
		}
	}
	envPositive(envMaxConcurrent, &cfg.MaxConcurrentVMs)
	envPositive(envVCPUs, &cfg.DefaultVCPUs)
	envPositive(envMemMB, &cfg.DefaultMemMB)

	var bootMS int
	if envPositive(envBootTimeoutMS, &bootMS) {
		cfg.BootTimeout = time.Duration(bootMS) * time.Millisecond
	}
	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envPositive stores the value of key in dst if it is a positive integer.
func envPositive(key string, dst *int) bool {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return false
	}
	*dst = n
	return true
}
