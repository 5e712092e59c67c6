// Package firecracker implements a backend that loads each user function into
// its own Firecracker microVM. The guest agent inside the VM serves the host
// over vsock, so the VM boundary is the only thing user code shares with the
// host. The VM has no network interface.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/protocol"
	"github.com/seantiz/voxelgrid/internal/stream"
)

// Backend constants.
const (
	// BackendName is the name reported in capabilities.
	BackendName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath + " -- -mode vsock"

	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the host ID for the VM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)

// cidSlack widens the CID window past MaxConcurrentVMs so a VM that is still
// shutting down does not block a new one.
const cidSlack = 10

// vm is one running microVM and everything that has to be released with it.
type vm struct {
	hostID  string
	machine *fcsdk.Machine
	cancel  context.CancelFunc
	cid     uint32
	dir     string
	booted  bool

	stopOnce sync.Once
}

// vmPaths are the per-VM files under the VM's temp directory.
type vmPaths struct {
	api    string
	vsock  string
	rootfs string
}

func newVMPaths(dir, hostID string) vmPaths {
	return vmPaths{
		api:    filepath.Join(dir, hostID+vmSocketSuffix),
		vsock:  filepath.Join(dir, hostID+vsockSocketSuffix),
		rootfs: filepath.Join(dir, "rootfs.ext4"),
	}
}

// Backend implements backend.Backend with one Firecracker microVM per host.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	cids   *cidPool

	mu  sync.Mutex
	vms map[string]*vm
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a Firecracker backend.
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		cids:   newCIDPool(cfg.CIDBase, cfg.MaxConcurrentVMs+cidSlack),
		vms:    make(map[string]*vm),
	}
}

// Verify checks that the kernel, the rootfs image and the Firecracker binary
// are present.
func (b *Backend) Verify() error {
	rootfs, err := RootfsPath(b.cfg.RootfsDir, model.RuntimeJavaScript)
	if err != nil {
		return err
	}
	for _, path := range []string{b.cfg.KernelPath, rootfs} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if _, err := exec.LookPath(b.cfg.FirecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	return nil
}

// Open boots a microVM, connects to its guest agent and loads spec.Code. The
// VM lives until the returned host is disposed; ctx bounds only the boot.
func (b *Backend) Open(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	image, err := RootfsPath(b.cfg.RootfsDir, model.RuntimeJavaScript)
	if err != nil {
		return nil, fmt.Errorf("select rootfs: %w", err)
	}

	cid, err := b.cids.allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	dir, err := os.MkdirTemp("", "voxelgrid-vm-"+spec.ID+"-")
	if err != nil {
		b.cids.release(cid)
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	paths := newVMPaths(dir, spec.ID)

	// Each VM writes to its own copy of the image.
	if err := copyRootfs(image, paths.rootfs); err != nil {
		b.cids.release(cid)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	// The SDK logs through logrus; ours goes through slog.
	sdkLogger := logrus.New()
	sdkLogger.SetOutput(io.Discard)

	// The VM outlives the request that opened it, so it gets its own context.
	vmCtx, vmCancel := context.WithCancel(context.Background())

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(paths.api).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, b.machineConfig(spec, paths, cid),
		fcsdk.WithLogger(logrus.NewEntry(sdkLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		vmCancel()
		b.cids.release(cid)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create machine: %w", err)
	}

	v := &vm{hostID: spec.ID, machine: machine, cancel: vmCancel, cid: cid, dir: dir}
	b.mu.Lock()
	b.vms[spec.ID] = v
	b.mu.Unlock()

	bootCtx, bootCancel := context.WithTimeout(ctx, b.cfg.BootTimeout)
	defer bootCancel()

	bootStart := time.Now()
	if err := machine.Start(vmCtx); err != nil {
		vmsTotal.WithLabelValues(statusBootFailed).Inc()
		b.stop(v)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	v.booted = true
	activeVMs.Inc()

	gc, err := DialGuest(bootCtx, paths.vsock, b.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		vmsTotal.WithLabelValues(statusBootFailed).Inc()
		b.stop(v)
		return nil, fmt.Errorf("connect to guest: %w", err)
	}

	load := protocol.Load{Code: spec.Code, LoadTimeoutMS: int(b.cfg.LoadTimeout.Milliseconds())}
	host, err := stream.Open(bootCtx, gc, load,
		stream.WithLogger(b.logger.With("host_id", spec.ID)),
		stream.WithKill(func() error {
			b.stop(v)
			return nil
		}),
	)
	if err != nil {
		vmsTotal.WithLabelValues(statusBootFailed).Inc()
		return nil, fmt.Errorf("load guest: %w", err)
	}

	vmsTotal.WithLabelValues(statusStarted).Inc()
	b.logger.Info("VM started",
		"host_id", spec.ID,
		"cid", cid,
		"boot_ms", time.Since(bootStart).Milliseconds(),
	)
	return host, nil
}

// machineConfig describes the VM for spec. It attaches the root drive and
// the vsock device only; there is no network interface.
func (b *Backend) machineConfig(spec backend.HostSpec, paths vmPaths, cid uint32) fcsdk.Config {
	vcpus := int64(b.cfg.DefaultVCPUs)
	if spec.CPULimit > 0 {
		vcpus = int64(spec.CPULimit)
	}
	memMB := int64(b.cfg.DefaultMemMB)
	if spec.MemLimitMB > 0 {
		memMB = int64(spec.MemLimitMB)
	}

	return fcsdk.Config{
		SocketPath:      paths.api,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(paths.rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		VsockDevices: []fcsdk.VsockDevice{{
			ID:   vsockDeviceID,
			Path: paths.vsock,
			CID:  cid,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: spec.ID,
	}
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              BackendName,
		Isolation:         model.IsolationMicroVM,
		SupportedRuntimes: SupportedRuntimes,
		MaxHosts:          b.cfg.MaxConcurrentVMs,
	}
}

// Cleanup stops the VM for hostID, if it is still running.
func (b *Backend) Cleanup(hostID string) {
	b.mu.Lock()
	v, ok := b.vms[hostID]
	b.mu.Unlock()
	if ok {
		b.stop(v)
	}
}

// Shutdown stops all running VMs.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	vms := make([]*vm, 0, len(b.vms))
	for _, v := range b.vms {
		vms = append(vms, v)
	}
	b.mu.Unlock()

	for _, v := range vms {
		b.stop(v)
	}
}

// running returns the number of VMs that have not been stopped.
func (b *Backend) running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.vms)
}

// stop shuts the VM down and releases its CID and files. It runs once per VM
// and does not depend on any caller context.
func (b *Backend) stop(v *vm) {
	v.stopOnce.Do(func() {
		start := time.Now()

		b.mu.Lock()
		if b.vms[v.hostID] == v {
			delete(b.vms, v.hostID)
		}
		b.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := v.machine.Shutdown(shutdownCtx); err != nil {
			b.logger.Debug("graceful shutdown failed, forcing stop", "host_id", v.hostID, "error", err)
			if err := v.machine.StopVMM(); err != nil {
				b.logger.Debug("StopVMM failed", "host_id", v.hostID, "error", err)
			}
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer waitCancel()
		if err := v.machine.Wait(waitCtx); err != nil {
			b.logger.Debug("VM did not exit", "host_id", v.hostID, "error", err)
		}
		v.cancel()

		if v.booted {
			activeVMs.Dec()
			vmsTotal.WithLabelValues(statusStopped).Inc()
		}
		b.cids.release(v.cid)
		os.RemoveAll(v.dir)

		vmCleanupDuration.Observe(time.Since(start).Seconds())
		b.logger.Debug("VM stopped", "host_id", v.hostID)
	})
}

// copyRootfs copies the rootfs image for one VM, sharing extents with
// cp --reflink=auto where the filesystem allows it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
