package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCloneCopiesContent(t *testing.T) {
	dir := t.TempDir()

	src := filepath.Join(dir, "src.raw")
	want := []byte("carbon disk image contents")

	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst := filepath.Join(dir, "dst.raw")
	if err := Clone(src, dst); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != string(want) {
		t.Errorf("cloned contents = %q, want %q", got, want)
	}
}

func TestCloneMissingSourceFails(t *testing.T) {
	dir := t.TempDir()

	err := Clone(filepath.Join(dir, "missing.raw"), filepath.Join(dir, "dst.raw"))
	if err == nil {
		t.Fatalf("Clone: want error for missing source")
	}
}
