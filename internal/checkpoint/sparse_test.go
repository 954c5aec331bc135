package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpMemorySkipsZeroPages(t *testing.T) {
	mem := make([]byte, 3*pageSize)
	mem[pageSize+5] = 0xAB // only the middle page is non-zero

	path := filepath.Join(t.TempDir(), "memory.raw")
	if err := DumpMemory(path, mem); err != nil {
		t.Fatalf("DumpMemory: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, mem) {
		t.Fatalf("dumped contents mismatch")
	}
}

func TestDumpMemoryTruncatesToLength(t *testing.T) {
	mem := make([]byte, pageSize)

	path := filepath.Join(t.TempDir(), "memory.raw")
	if err := DumpMemory(path, mem); err != nil {
		t.Fatalf("DumpMemory: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Size() != int64(len(mem)) {
		t.Errorf("size = %d, want %d", info.Size(), len(mem))
	}
}

func TestIsZeroPage(t *testing.T) {
	if !isZeroPage(make([]byte, pageSize)) {
		t.Errorf("all-zero page reported non-zero")
	}

	nonZero := make([]byte, pageSize)
	nonZero[pageSize-1] = 1

	if isZeroPage(nonZero) {
		t.Errorf("non-zero page reported zero")
	}
}
