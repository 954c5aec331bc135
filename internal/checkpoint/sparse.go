package checkpoint

import (
	"fmt"
	"os"
)

// pageSize is the guest's page granularity, matching uffd.Handler's
// copy unit (internal/uffd) and KVM's page-aligned memory regions.
const pageSize = 4096

// DumpMemory writes mem to path as a sparse file: the file is first
// truncated to len(mem), establishing its final size without
// allocating any blocks, and only pages that contain at least one
// non-zero byte are then written. A freshly booted guest's memory is
// mostly untouched zero pages, so this keeps a checkpoint's memory
// dump close to the guest's actual working set (spec.md §4.9 step 2,
// §9 "memory dumps stay raw, uncompressed, but sparse").
func DumpMemory(path string, mem []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(len(mem))); err != nil {
		return fmt.Errorf("checkpoint: truncate %s: %w", path, err)
	}

	for off := 0; off < len(mem); off += pageSize {
		end := off + pageSize
		if end > len(mem) {
			end = len(mem)
		}

		page := mem[off:end]
		if isZeroPage(page) {
			continue
		}

		if _, err := f.WriteAt(page, int64(off)); err != nil {
			return fmt.Errorf("checkpoint: write %s at %#x: %w", path, off, err)
		}
	}

	return nil
}

func isZeroPage(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
