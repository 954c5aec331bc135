package uffd

import "testing"

func TestPlanFaultWithinFileCopies(t *testing.T) {
	pageAddr, offset, useZero := planFault(0x10_0000+10, 0x10_0000, 1<<20)

	if pageAddr != 0x10_0000 {
		t.Errorf("pageAddr = %#x, want %#x", pageAddr, 0x10_0000)
	}

	if offset != 0 {
		t.Errorf("offset = %#x, want 0", offset)
	}

	if useZero {
		t.Errorf("useZero = true, want false")
	}
}

func TestPlanFaultPastFileEndZeroFills(t *testing.T) {
	const regionBase = 0x10_0000

	srcLen := uint64(pageSize) // file covers exactly one page

	_, offset, useZero := planFault(regionBase+pageSize+1, regionBase, srcLen)

	if offset != pageSize {
		t.Errorf("offset = %#x, want %#x", offset, pageSize)
	}

	if !useZero {
		t.Errorf("useZero = false, want true")
	}
}

func TestPlanFaultAlignsDownToPageBoundary(t *testing.T) {
	const regionBase = 0

	pageAddr, _, _ := planFault(pageSize+100, regionBase, 1<<20)

	if pageAddr != pageSize {
		t.Errorf("pageAddr = %#x, want %#x", pageAddr, pageSize)
	}
}
