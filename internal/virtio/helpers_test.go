package virtio

import "github.com/loks0n/carbon/internal/virtqueue"

// chainFor builds an in-memory descriptor chain for a block request:
// header, an optional data descriptor (skipped when dataLen is 0, as
// for a FLUSH request), and a trailing writable status descriptor.
func chainFor(hdrAddr, dataAddr uint64, dataLen uint32, statusAddr uint64) virtqueue.Chain {
	descs := []virtqueue.Desc{{Addr: hdrAddr, Len: blkReqHdrLen}}

	if dataLen > 0 {
		descs = append(descs, virtqueue.Desc{Addr: dataAddr, Len: dataLen})
	}

	descs = append(descs, virtqueue.Desc{Addr: statusAddr, Len: 1, Flags: 1 << 1})

	return virtqueue.Chain{HeadID: 0, Descs: descs}
}
