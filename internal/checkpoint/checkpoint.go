// Package checkpoint implements spec.md §4.9: pausing a VM, capturing
// its CPU, device and memory state, and reflink-cloning its disk into
// an immutable on-disk directory, then replaying that directory back
// into a live VM on restore.
//
// The package deliberately knows nothing about KVM, virtqueues or
// virtio: internal/vm already exposes SaveCPUState/SaveVMState/
// RestoreCPUState/RestoreVMState, and each internal/virtio device
// already exposes GetState/SetState (migration.BlkState etc). The
// composition root (cmd/carbon) is the only caller that holds both a
// *vm.VM and its device table, so it assembles the *migration.Snapshot
// and passes it here; this package only owns the directory layout, the
// reflink clone, the sparse memory dump, and the state.bin framing.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loks0n/carbon/internal/migration"
)

// ErrExists is returned by Save when the named checkpoint's directory
// already exists: spec.md §3 "once written, a checkpoint is
// immutable."
var ErrExists = errors.New("checkpoint: already exists")

// Quiescer is implemented by a device that must flush in-flight I/O
// before its state is captured (spec.md §4.9 step 2). internal/virtio's
// BlkDevice, NetDevice and VsockDevice all satisfy it.
type Quiescer interface {
	Quiesce() error
}

// Paths names the three files a named checkpoint is made of (spec.md
// §6: "<vm>/checkpoints/<name>/{disk.raw, memory.raw, state.bin}").
type Paths struct {
	Disk   string
	Memory string
	State  string
}

// Layout computes the conventional paths for a named checkpoint under
// a VM's directory.
func Layout(vmDir, name string) Paths {
	dir := filepath.Join(vmDir, "checkpoints", name)

	return Paths{
		Disk:   filepath.Join(dir, "disk.raw"),
		Memory: filepath.Join(dir, "memory.raw"),
		State:  filepath.Join(dir, "state.bin"),
	}
}

// Save writes a new checkpoint: it quiesces every device passed in,
// reflink-clones the live disk, dumps guest memory as a sparse file,
// and serializes snap as state.bin. It refuses to overwrite an
// existing checkpoint of the same name.
func Save(vmDir, name, liveDiskPath string, mem []byte, snap *migration.Snapshot, quiescers ...Quiescer) (Paths, error) {
	p := Layout(vmDir, name)
	dir := filepath.Dir(p.Disk)

	if _, err := os.Stat(dir); err == nil {
		return p, fmt.Errorf("%w: %s", ErrExists, name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p, fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}

	for _, q := range quiescers {
		if q == nil {
			continue
		}

		if err := q.Quiesce(); err != nil {
			return p, fmt.Errorf("checkpoint: quiesce device: %w", err)
		}
	}

	if err := Clone(liveDiskPath, p.Disk); err != nil {
		return p, fmt.Errorf("checkpoint: clone disk: %w", err)
	}

	if err := DumpMemory(p.Memory, mem); err != nil {
		return p, fmt.Errorf("checkpoint: dump memory: %w", err)
	}

	if err := WriteState(p.State, snap); err != nil {
		return p, fmt.Errorf("checkpoint: write state: %w", err)
	}

	return p, nil
}

// Restore reflink-clones a checkpoint's disk image onto liveDiskPath
// and decodes its state.bin. The caller is responsible for servicing
// Paths.Memory through a uffd.Handler registered against the freshly
// created restored memory region (spec.md §4.9 Restore steps 1-2);
// this package performs no memory mapping of its own.
func Restore(vmDir, name, liveDiskPath string) (*migration.Snapshot, Paths, error) {
	p := Layout(vmDir, name)

	if err := Clone(p.Disk, liveDiskPath); err != nil {
		return nil, p, fmt.Errorf("checkpoint: clone disk: %w", err)
	}

	snap, err := ReadState(p.State)
	if err != nil {
		return nil, p, fmt.Errorf("checkpoint: read state: %w", err)
	}

	return snap, p, nil
}
