// Package virtqueue implements the split-ring transport shared by every
// virtio device: a descriptor table, an available ring, a used ring,
// and the MMIO register file a guest driver uses to configure and
// kick a queue. The ring layout and chain-walking logic are ported
// from the teacher's legacy-PCI VirtQueue struct and generalized from
// a fixed 32-entry queue to a configurable power-of-two size; the MMIO
// register file itself has no teacher analogue and is built fresh in
// the same byte-offset-switch idiom the teacher uses for its
// IOInHandler/IOOutHandler.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedQueue is returned when a descriptor chain does not
// terminate within Q hops (spec.md invariant 3).
var ErrMalformedQueue = errors.New("virtqueue: malformed descriptor chain")

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2

	descSize = 16 // Addr uint64, Len uint32, Flags uint16, Next uint16
)

// Desc is one entry of the descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is one split virtqueue: a descriptor table, an available ring
// and a used ring, all living in guest memory at addresses the driver
// programs through the transport register file.
type Queue struct {
	Size uint32 // Q, a power of two

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	LastAvailIdx uint16
	UsedIdx      uint16

	Ready bool
}

// ready reports whether every address needed to walk the queue has
// been programmed.
func (q *Queue) ready() bool {
	return q.Ready && q.DescAddr != 0 && q.AvailAddr != 0 && q.UsedAddr != 0
}

func (q *Queue) readDesc(mem []byte, id uint16) (Desc, error) {
	off := q.DescAddr + uint64(id)*descSize
	if off+descSize > uint64(len(mem)) {
		return Desc{}, fmt.Errorf("%w: descriptor %d out of bounds", ErrMalformedQueue, id)
	}

	b := mem[off : off+descSize]

	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// availHead returns the descriptor chain head at the given position in
// the available ring (acquire semantics: the guest has already
// published this entry before advancing its idx, per spec.md §5).
func (q *Queue) availHead(mem []byte, pos uint16) (uint16, error) {
	idxOff := q.AvailAddr + 2
	if idxOff+2 > uint64(len(mem)) {
		return 0, fmt.Errorf("%w: avail ring out of bounds", ErrMalformedQueue)
	}

	ringOff := q.AvailAddr + 4 + uint64(pos%uint16(q.Size))*2
	if ringOff+2 > uint64(len(mem)) {
		return 0, fmt.Errorf("%w: avail ring entry out of bounds", ErrMalformedQueue)
	}

	return binary.LittleEndian.Uint16(mem[ringOff : ringOff+2]), nil
}

// AvailIdx reads the guest-published available-ring head index.
func (q *Queue) AvailIdx(mem []byte) uint16 {
	off := q.AvailAddr + 2
	if off+2 > uint64(len(mem)) {
		return q.LastAvailIdx
	}

	return binary.LittleEndian.Uint16(mem[off : off+2])
}

// Chain is one fully-walked descriptor chain: the head id and every
// descriptor in traversal order, indirect descriptors already
// resolved.
type Chain struct {
	HeadID uint16
	Descs  []Desc
}

// PopAvail walks every newly available chain since LastAvailIdx,
// advancing LastAvailIdx as it goes. Each chain is walked up to Q hops
// before failing with ErrMalformedQueue (spec.md invariant 3).
func (q *Queue) PopAvail(mem []byte) ([]Chain, error) {
	if !q.ready() {
		return nil, nil
	}

	newIdx := q.AvailIdx(mem)

	var chains []Chain

	for q.LastAvailIdx != newIdx {
		head, err := q.availHead(mem, q.LastAvailIdx)
		if err != nil {
			return chains, err
		}

		descs, err := q.walkChain(mem, head)
		if err != nil {
			return chains, err
		}

		chains = append(chains, Chain{HeadID: head, Descs: descs})
		q.LastAvailIdx++
	}

	return chains, nil
}

func (q *Queue) walkChain(mem []byte, head uint16) ([]Desc, error) {
	var descs []Desc

	id := head

	for hop := uint32(0); ; hop++ {
		if hop >= q.Size {
			return nil, fmt.Errorf("%w: chain exceeds %d hops", ErrMalformedQueue, q.Size)
		}

		d, err := q.readDesc(mem, id)
		if err != nil {
			return nil, err
		}

		if d.Flags&descFlagIndirect != 0 {
			indirect, err := q.walkIndirect(mem, d)
			if err != nil {
				return nil, err
			}

			descs = append(descs, indirect...)
		} else {
			descs = append(descs, d)
		}

		if d.Flags&descFlagNext == 0 {
			break
		}

		id = d.Next
	}

	return descs, nil
}

// walkIndirect resolves one indirect descriptor table, walked exactly
// once with the same Q-hop bound (spec.md §4.5).
func (q *Queue) walkIndirect(mem []byte, table Desc) ([]Desc, error) {
	count := table.Len / descSize

	var descs []Desc

	id := uint16(0)

	for hop := uint32(0); ; hop++ {
		if hop >= q.Size || uint32(id) >= count {
			return nil, fmt.Errorf("%w: indirect chain exceeds bounds", ErrMalformedQueue)
		}

		off := table.Addr + uint64(id)*descSize
		if off+descSize > uint64(len(mem)) {
			return nil, fmt.Errorf("%w: indirect descriptor out of bounds", ErrMalformedQueue)
		}

		b := mem[off : off+descSize]
		d := Desc{
			Addr:  binary.LittleEndian.Uint64(b[0:8]),
			Len:   binary.LittleEndian.Uint32(b[8:12]),
			Flags: binary.LittleEndian.Uint16(b[12:14]),
			Next:  binary.LittleEndian.Uint16(b[14:16]),
		}
		descs = append(descs, d)

		if d.Flags&descFlagNext == 0 {
			break
		}

		id = d.Next
	}

	return descs, nil
}

// PushUsed writes (id, written) into the next used-ring slot and
// advances the used index. Callers must hold the device's queue lock;
// the caller is responsible for the release barrier before injecting
// an interrupt (spec.md §5).
func (q *Queue) PushUsed(mem []byte, id uint16, written uint32) {
	slot := q.UsedIdx % uint16(q.Size)
	off := q.UsedAddr + 4 + uint64(slot)*8

	if off+8 > uint64(len(mem)) {
		return
	}

	binary.LittleEndian.PutUint32(mem[off:off+4], uint32(id))
	binary.LittleEndian.PutUint32(mem[off+4:off+8], written)

	q.UsedIdx++

	idxOff := q.UsedAddr + 2
	if idxOff+2 <= uint64(len(mem)) {
		binary.LittleEndian.PutUint16(mem[idxOff:idxOff+2], q.UsedIdx)
	}
}

// Writable reports whether the descriptor is device-writable
// (device-to-driver), i.e. whether Flags has descFlagWrite set.
func (d Desc) Writable() bool {
	return d.Flags&descFlagWrite != 0
}
