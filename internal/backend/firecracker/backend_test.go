package firecracker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/seantiz/voxelgrid/internal/backend"
	"github.com/seantiz/voxelgrid/internal/model"
)

func TestCapabilities(t *testing.T) {
	b := NewBackend(Config{
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}, testLogger())

	caps := b.Capabilities()

	if caps.Name != BackendName {
		t.Errorf("Name = %q, want %q", caps.Name, BackendName)
	}
	if !slices.Equal(caps.SupportedRuntimes, []string{model.RuntimeJavaScript}) {
		t.Errorf("SupportedRuntimes = %v, want [%q]", caps.SupportedRuntimes, model.RuntimeJavaScript)
	}
	if caps.Isolation != model.IsolationMicroVM {
		t.Errorf("Isolation = %q, want %q", caps.Isolation, model.IsolationMicroVM)
	}
	if caps.MaxHosts != MaxConcurrentVMs {
		t.Errorf("MaxHosts = %d, want %d", caps.MaxHosts, MaxConcurrentVMs)
	}
}

func TestNewBackendDefaultsBootTimeout(t *testing.T) {
	b := NewBackend(Config{}, testLogger())
	if b.cfg.BootTimeout != DefaultBootTimeout {
		t.Errorf("BootTimeout = %v, want %v", b.cfg.BootTimeout, DefaultBootTimeout)
	}
}

func TestCIDPoolAllocateRelease(t *testing.T) {
	p := newCIDPool(MinCID, 4)

	first, err := p.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first != MinCID {
		t.Errorf("first CID = %d, want %d", first, MinCID)
	}
	second, err := p.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if second == first {
		t.Errorf("second CID reuses %d", first)
	}

	p.release(first)
	if got := p.used(); got != 1 {
		t.Errorf("used = %d, want 1", got)
	}
}

func TestCIDPoolBaseBelowMinimum(t *testing.T) {
	p := newCIDPool(0, 2)
	cid, err := p.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if cid < MinCID {
		t.Errorf("CID = %d, reserved CIDs end at %d", cid, MinCID-1)
	}
}

func TestCIDPoolExhaustionAndWrap(t *testing.T) {
	p := newCIDPool(MinCID, 3)

	var got []uint32
	for range 3 {
		cid, err := p.allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		got = append(got, cid)
	}
	if _, err := p.allocate(); err == nil {
		t.Fatal("allocate succeeded with every CID in use")
	}

	// The scan wraps around to the only free slot.
	p.release(got[0])
	cid, err := p.allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if cid != got[0] {
		t.Errorf("CID = %d, want released %d", cid, got[0])
	}
}

func TestCIDPoolConcurrent(t *testing.T) {
	const n = 10
	p := newCIDPool(MinCID, n)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]bool)
	)
	for range n {
		wg.Go(func() {
			cid, err := p.allocate()
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[cid] {
				t.Errorf("duplicate CID %d", cid)
			}
			seen[cid] = true
		})
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("allocated %d CIDs, want %d", len(seen), n)
	}
}

func TestMachineConfig(t *testing.T) {
	b := NewBackend(Config{
		KernelPath:   "/var/lib/voxelgrid/vmlinux",
		DefaultVCPUs: DefaultVCPUs,
		DefaultMemMB: DefaultMemMB,
	}, testLogger())
	paths := newVMPaths("/tmp/vm", "fn-1")

	tests := []struct {
		name      string
		spec      backend.HostSpec
		wantVCPUs int64
		wantMemMB int64
	}{
		{"defaults", backend.HostSpec{ID: "fn-1"}, DefaultVCPUs, DefaultMemMB},
		{"limits", backend.HostSpec{ID: "fn-1", CPULimit: 2, MemLimitMB: 512}, 2, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := b.machineConfig(tt.spec, paths, 7)

			if got := *cfg.MachineCfg.VcpuCount; got != tt.wantVCPUs {
				t.Errorf("VcpuCount = %d, want %d", got, tt.wantVCPUs)
			}
			if got := *cfg.MachineCfg.MemSizeMib; got != tt.wantMemMB {
				t.Errorf("MemSizeMib = %d, want %d", got, tt.wantMemMB)
			}
			if len(cfg.NetworkInterfaces) != 0 {
				t.Errorf("NetworkInterfaces = %d, want none", len(cfg.NetworkInterfaces))
			}
			if len(cfg.VsockDevices) != 1 || cfg.VsockDevices[0].CID != 7 || cfg.VsockDevices[0].Path != paths.vsock {
				t.Errorf("VsockDevices = %+v", cfg.VsockDevices)
			}
			if len(cfg.Drives) != 1 || *cfg.Drives[0].PathOnHost != paths.rootfs {
				t.Errorf("Drives = %+v", cfg.Drives)
			}
			if cfg.SocketPath != paths.api || cfg.VMID != "fn-1" {
				t.Errorf("SocketPath = %q, VMID = %q", cfg.SocketPath, cfg.VMID)
			}
		})
	}
}

func TestVMPaths(t *testing.T) {
	p := newVMPaths("/tmp/vm", "fn-1")
	if p.api != "/tmp/vm/fn-1.sock" {
		t.Errorf("api = %q", p.api)
	}
	if p.vsock != "/tmp/vm/fn-1_vsock.sock" {
		t.Errorf("vsock = %q", p.vsock)
	}
	if p.rootfs != "/tmp/vm/rootfs.ext4" {
		t.Errorf("rootfs = %q", p.rootfs)
	}
}

func TestCleanupNonexistent(t *testing.T) {
	b := NewBackend(Config{}, testLogger())

	// Cleanup and Shutdown with nothing running are no-ops.
	b.Cleanup("nonexistent")
	b.Shutdown()
	if n := b.running(); n != 0 {
		t.Errorf("running = %d, want 0", n)
	}
}

func TestOpenMissingRootfs(t *testing.T) {
	b := NewBackend(Config{
		RootfsDir:        t.TempDir(),
		CIDBase:          MinCID,
		MaxConcurrentVMs: 1,
	}, testLogger())

	if _, err := b.Open(context.Background(), backend.HostSpec{ID: "fn-1", Code: "function render() {}"}); err == nil {
		t.Fatal("Open succeeded without a rootfs image")
	}

	// No CID is held for a VM that never started.
	if inUse := b.cids.used(); inUse != 0 {
		t.Errorf("%d CIDs still in use after failed Open", inUse)
	}
}

func TestVerifyMissingFiles(t *testing.T) {
	b := NewBackend(Config{
		KernelPath:     "/nonexistent/vmlinux",
		RootfsDir:      t.TempDir(),
		FirecrackerBin: "/nonexistent/firecracker",
	}, testLogger())

	if err := b.Verify(); err == nil {
		t.Error("Verify succeeded with missing kernel and rootfs")
	}
}

func TestCopyRootfs(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	// Create a source rootfs file.
	srcPath := filepath.Join(srcDir, "test.ext4")
	content := []byte("fake rootfs content for testing")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source rootfs: %v", err)
	}

	dstPath := filepath.Join(dstDir, "copy.ext4")
	if err := copyRootfs(srcPath, dstPath); err != nil {
		t.Fatalf("copyRootfs: %v", err)
	}

	// Verify the copy exists and has correct content.
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("copy content = %q, want %q", string(got), string(content))
	}
}

func TestCopyRootfsMissing(t *testing.T) {
	dstDir := t.TempDir()
	dstPath := filepath.Join(dstDir, "copy.ext4")

	err := copyRootfs("/nonexistent/rootfs.ext4", dstPath)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestDefaultBootArgs(t *testing.T) {
	// Verify boot args contain expected components.
	expected := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"pci=off",
		"init=" + GuestAgentPath,
		"vsock",
	}

	for _, arg := range expected {
		if !containsArg(DefaultBootArgs, arg) {
			t.Errorf("DefaultBootArgs missing %q: %s", arg, DefaultBootArgs)
		}
	}
}

func containsArg(args, arg string) bool {
	return slices.Contains(strings.Fields(args), arg)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
