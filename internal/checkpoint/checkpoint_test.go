package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loks0n/carbon/internal/migration"
)

func sampleSnapshot() *migration.Snapshot {
	return &migration.Snapshot{
		MemSize: 1 << 20,
		Devices: migration.DeviceState{
			Serial: migration.SerialState{IER: 1},
		},
	}
}

type fakeQuiescer struct {
	called bool
	err    error
}

func (f *fakeQuiescer) Quiesce() error {
	f.called = true

	return f.err
}

func setupLiveDisk(t *testing.T) (vmDir, diskPath string) {
	t.Helper()

	vmDir = t.TempDir()
	diskPath = filepath.Join(vmDir, "disk.raw")

	if err := os.WriteFile(diskPath, []byte("live disk bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return vmDir, diskPath
}

func TestSaveThenRestoreRoundTrip(t *testing.T) {
	vmDir, diskPath := setupLiveDisk(t)

	mem := make([]byte, pageSize)
	mem[0] = 0x42

	q := &fakeQuiescer{}

	snap := sampleSnapshot()

	paths, err := Save(vmDir, "checkpoint-1", diskPath, mem, snap, q)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !q.called {
		t.Errorf("Quiescer was not called")
	}

	for _, p := range []string{paths.Disk, paths.Memory, paths.State} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	restoreDiskPath := filepath.Join(vmDir, "restored-disk.raw")

	got, gotPaths, err := Restore(vmDir, "checkpoint-1", restoreDiskPath)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got.MemSize != snap.MemSize {
		t.Errorf("MemSize = %d, want %d", got.MemSize, snap.MemSize)
	}

	if got.Devices.Serial != snap.Devices.Serial {
		t.Errorf("Serial = %+v, want %+v", got.Devices.Serial, snap.Devices.Serial)
	}

	restoredDisk, err := os.ReadFile(restoreDiskPath)
	if err != nil {
		t.Fatalf("ReadFile restored disk: %v", err)
	}

	if string(restoredDisk) != "live disk bytes" {
		t.Errorf("restored disk contents = %q, want %q", restoredDisk, "live disk bytes")
	}

	if gotPaths != paths {
		t.Errorf("Restore paths = %+v, want %+v", gotPaths, paths)
	}
}

func TestSaveRefusesExistingCheckpoint(t *testing.T) {
	vmDir, diskPath := setupLiveDisk(t)

	mem := make([]byte, pageSize)
	snap := sampleSnapshot()

	if _, err := Save(vmDir, "dup", diskPath, mem, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Save(vmDir, "dup", diskPath, mem, snap); !errors.Is(err, ErrExists) {
		t.Fatalf("Save: err = %v, want ErrExists", err)
	}
}

func TestSavePropagatesQuiesceError(t *testing.T) {
	vmDir, diskPath := setupLiveDisk(t)

	q := &fakeQuiescer{err: errors.New("device busy")}

	if _, err := Save(vmDir, "fails", diskPath, make([]byte, pageSize), sampleSnapshot(), q); err == nil {
		t.Fatalf("Save: want error from Quiesce")
	}
}
