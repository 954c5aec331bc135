// Package boot implements the x86_64 Linux boot protocol: parsing a
// bzImage setup header, placing the kernel payload and command line in
// guest memory, populating the zero page (boot_params) with an E820
// map, and building the identity-mapped page tables and flat GDT a
// 64-bit long-mode entry requires.
//
// Offsets mirror <linux/boot_params.h> byte for byte; they are read
// and written directly against the raw guest-memory byte slice, never
// through a generated struct, following the same "byte literal, not a
// mapped struct" approach the example corpus uses for this protocol.
package boot

const (
	// GDTAddr, ZeroPageAddr, PageTableAddr, CmdlineAddr and KernelAddr
	// are the fixed guest-physical addresses the boot loader writes to.
	GDTAddr       = 0x5000
	ZeroPageAddr  = 0x7000
	PageTableAddr = 0x9000
	CmdlineAddr   = 0x20000
	KernelAddr    = 0x100000

	// EntryOffset is added to KernelAddr to land RIP past the 0x200-byte
	// real-mode kernel header prefixed onto every bzImage payload.
	EntryOffset = 0x200
	EntryPoint  = KernelAddr + 0x100

	MaxCmdlineLen = 2047

	zeroPageSize = 4096

	// setupHeaderOffset is 0x1f1, where the Linux boot protocol's setup
	// header begins within the first sector of the kernel image.
	setupHeaderOffset = 497

	setupSectsOffset    = setupHeaderOffset
	bootFlagOffset      = setupHeaderOffset + 13
	headerMagicOffset   = setupHeaderOffset + 17
	versionOffset       = setupHeaderOffset + 21
	typeOfLoaderOffset  = setupHeaderOffset + 31
	loadFlagsOffset     = setupHeaderOffset + 32
	code32StartOffset   = setupHeaderOffset + 35
	heapEndPtrOffset    = setupHeaderOffset + 51
	cmdLinePtrOffset    = setupHeaderOffset + 55
	cmdlineSizeOffset   = setupHeaderOffset + 71
	xloadflagsOffset    = setupHeaderOffset + 69

	headerMagic    = "HdrS"
	bootFlagMagic  = 0xaa55
	minHdrVersion  = 0x020c // 2.12
	xlfKernel64    = 1 << 0 // XLF_KERNEL_64 protocol bit
	typeOfLoaderID = 0xff
	canUseHeapFlag = 1 << 7

	// headerReadSize is large enough to cover every setup-header field
	// this loader touches regardless of how large setup_sects claims to
	// be; real headers never extend past the second 512-byte sector.
	headerReadSize = 1024

	zeroPageE820Entries = 0x1e8
	zeroPageE820Table   = 0x2d0
	e820EntrySize       = 20
	e820MaxEntries       = 128

	e820Ram      = 1
	e820Reserved = 2

	// mmioWindowStart/mmioWindowEnd bound the virtio device MMIO range
	// (0xd000_0000-0xd000_2fff) that invariant 2 forbids from ever being
	// reported to the guest as usable memory.
	mmioWindowStart = 0xd000_0000
	mmioWindowEnd   = 0xd000_3000

	lowMemTop = 0xa_0000 // 640 KiB
	highMemBase = 0x10_0000 // 1 MiB

	pml4Entries = 1
	pdptEntries = 1
	pdeCount    = 512 // 512 * 2MiB = 1 GiB identity-mapped

	pageTableEntryFlags = 0x03 // present, read/write
	pdePageFlags        = 0x83 // present, read/write, PS (2 MiB page)

	// Control-register bits, named after the teacher's CR0x*/CR4x*/EFERx*
	// constants (machine package) so the loader reads the same way.
	CR0xPE = 1
	CR0xPG = 1 << 31

	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10
)
