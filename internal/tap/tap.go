// Package tap opens a Linux TUN/TAP device for virtio-net to bridge
// guest Ethernet frames onto the host, grounded in the example pack's
// TapDevice (core_engine/network/tap_device.go): the same
// /dev/net/tun open plus TUNSETIFF ioctl, adapted to satisfy
// io.ReadWriter directly so it drops straight into
// virtio.NewNetDevice without an adapter type.
package tap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const tunDevicePath = "/dev/net/tun"

// ifReq mirrors struct ifreq's name+flags prefix, the only fields
// TUNSETIFF reads or writes.
type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Device is a host TAP interface presented as an Ethernet frame
// stream: Read yields one frame per call, Write sends one frame.
type Device struct {
	file *os.File
	Name string
}

// Open creates (or attaches to) the named TAP interface with
// IFF_TAP|IFF_NO_PI, per spec.md §4.7 ("one frame per Read/Write, no
// additional packet-info header").
func Open(name string) (*Device, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, errno)
	}

	return &Device{file: os.NewFile(uintptr(fd), name), Name: name}, nil
}

// Read reads one Ethernet frame from the interface.
func (d *Device) Read(b []byte) (int, error) { return d.file.Read(b) }

// Write sends one Ethernet frame to the interface.
func (d *Device) Write(b []byte) (int, error) { return d.file.Write(b) }

// Close releases the TAP file descriptor.
func (d *Device) Close() error { return d.file.Close() }
