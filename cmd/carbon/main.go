// Command carbon is the composition root for the microVM runtime:
// it parses the command-line surface spec.md §6 describes, wires guest
// memory, the single vCPU, and the block/vsock/net devices together,
// boots a kernel (or replays a checkpoint), and runs the guest until
// it halts or a control-channel message asks it to checkpoint or shut
// down. It plays the same role the teacher's main.go plays for
// machine.Machine, generalized from a fixed two-device SMP machine to
// carbon's single-vCPU, checkpointable one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/profile"

	"github.com/loks0n/carbon/internal/boot"
	"github.com/loks0n/carbon/internal/checkpoint"
	"github.com/loks0n/carbon/internal/migration"
	"github.com/loks0n/carbon/internal/serial"
	"github.com/loks0n/carbon/internal/tap"
	"github.com/loks0n/carbon/internal/uffd"
	"github.com/loks0n/carbon/internal/virtio"
	"github.com/loks0n/carbon/internal/vm"
	"github.com/loks0n/carbon/internal/workspace"
)

// Exit codes, per spec.md §6.
const (
	exitClean         = 0
	exitConfiguration = 1
	exitHypervisor    = 2
	exitDevice        = 3
)

// MMIO bases, per spec.md §6's device table.
const (
	mmioBlkBase   = 0xd000_0000
	mmioVsockBase = 0xd000_1000
	mmioNetBase   = 0xd000_2000
)

// IRQ line assignment for the virtio devices: net and blk match the
// teacher's constants (machine-constants.go: virtioNetIRQ=9,
// virtioBlkIRQ=10); vsock is carbon's own addition, since the
// teacher's two-device machine never assigned it a line. The serial
// console has no line of its own: carbon's UART is transmit-only
// (internal/serial), so there is no guest-to-host input path that
// would need one.
const (
	virtioNetIRQ   = 9
	virtioBlkIRQ   = 10
	virtioVsockIRQ = 11
)

const defaultMemoryMiB uint64 = 256

func main() {
	os.Exit(run())
}

type config struct {
	kernelPath string
	memoryMiB  uint64
	diskPath   string
	cmdline    string
	tapName    string
	mac        string
	restore    string
	cpuprofile bool
}

func parseFlags(args []string) (*config, error) {
	fs := flag.NewFlagSet("carbon", flag.ContinueOnError)

	cfg := &config{}
	fs.StringVar(&cfg.kernelPath, "kernel", "", "path to a bzImage kernel")
	fs.Uint64Var(&cfg.memoryMiB, "memory", defaultMemoryMiB, "guest memory size in MiB")
	fs.StringVar(&cfg.diskPath, "disk", "", "path to a raw disk image")
	fs.StringVar(&cfg.cmdline, "cmdline", "console=ttyS0", "kernel command line")
	fs.StringVar(&cfg.tapName, "tap", "", "host TAP interface name")
	fs.StringVar(&cfg.mac, "mac", "", "guest MAC address (aa:bb:cc:dd:ee:ff)")
	fs.StringVar(&cfg.restore, "restore", "", "name of a checkpoint to restore instead of booting --kernel")
	fs.BoolVar(&cfg.cpuprofile, "cpuprofile", false, "write a pprof CPU profile of this process")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.kernelPath == "" && cfg.restore == "" {
		return nil, errors.New("carbon: one of --kernel or --restore is required")
	}

	if cfg.memoryMiB < 32 {
		return nil, errors.New("carbon: --memory must be at least 32 MiB")
	}

	if cfg.tapName == "" && cfg.mac != "" {
		return nil, errors.New("carbon: --mac requires --tap")
	}

	return cfg, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte

	if s == "" {
		return mac, nil
	}

	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return mac, fmt.Errorf("carbon: invalid --mac %q", s)
	}

	copy(mac[:], hw)

	return mac, nil
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitConfiguration
	}

	if cfg.cpuprofile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	mac, err := parseMAC(cfg.mac)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitConfiguration
	}

	vmDir := filepath.Dir(cfg.diskPath)
	if vmDir == "" {
		vmDir = "."
	}

	console := serial.New(os.Stdout)

	var (
		snap        *migration.Snapshot
		restoredMem *vm.Memory
		faultSrv    *uffd.Handler
		memSize     = cfg.memoryMiB << 20
	)

	if cfg.restore != "" {
		var paths checkpoint.Paths

		snap, paths, err = checkpoint.Restore(vmDir, cfg.restore, cfg.diskPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}

		memSize = snap.MemSize

		restoredMem, err = vm.NewRestoredMemory(memSize)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}

		faultSrv, err = uffd.Open(paths.Memory)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}

		if err := faultSrv.Register(uintptr(unsafe.Pointer(&restoredMem.Bytes()[0])), memSize); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}
	}

	machine, err := vm.New(vm.Config{
		MemorySize:    memSize,
		Serial:        console,
		RestoreMemory: restoredMem,
		OnDeviceError: func(err error) { log.Printf("carbon: device error: %v", err) },
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitHypervisor
	}
	defer machine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if faultSrv != nil {
		go func() {
			if err := faultSrv.Serve(ctx); err != nil {
				log.Printf("carbon: uffd serve: %v", err)
			}
		}()

		defer faultSrv.Close()
	}

	if cfg.restore == "" {
		kernelFile, err := os.Open(cfg.kernelPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}
		defer kernelFile.Close()

		info, err := kernelFile.Stat()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}

		bootInfo, err := boot.Load(machine.Memory().Bytes(), memSize, kernelFile, info.Size(), cfg.cmdline)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}

		if err := machine.Boot(bootInfo); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}
	} else {
		if err := machine.RestoreCPUState(&snap.VCPUState); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}

		if err := machine.RestoreVMState(&snap.VM); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitHypervisor
		}

		console.SetState(snap.Devices.Serial)
	}

	var blk *virtio.BlkDevice

	if cfg.diskPath != "" {
		blk, err = virtio.NewBlkDevice(cfg.diskPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}

		blk.SetMemory(machine.Memory().Bytes())

		if snap != nil && snap.Devices.Blk != nil {
			blk.SetState(snap.Devices.Blk)
		}

		machine.RegisterDevice(mmioBlkBase, blk.Transport, virtioBlkIRQ)
	}

	vsockDev := virtio.NewVsockDevice()
	vsockDev.SetMemory(machine.Memory().Bytes())

	if snap != nil && snap.Devices.Vsock != nil {
		vsockDev.SetState(snap.Devices.Vsock)
	}

	machine.RegisterDevice(mmioVsockBase, vsockDev.Transport, virtioVsockIRQ)

	var netDev *virtio.NetDevice

	if cfg.tapName != "" {
		tapDev, err := tap.Open(cfg.tapName)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitConfiguration
		}
		defer tapDev.Close()

		netDev = virtio.NewNetDevice(tapDev, mac)
		netDev.SetMemory(machine.Memory().Bytes())

		if snap != nil && snap.Devices.Net != nil {
			netDev.SetState(snap.Devices.Net)
		}

		machine.RegisterDevice(mmioNetBase, netDev.Transport, virtioNetIRQ)

		go func() {
			for {
				if err := netDev.RxFromTAP(); err != nil {
					log.Printf("carbon: net RxFromTAP: %v", err)

					return
				}
			}
		}()
	}

	runner := newVMRunner(machine)

	conn := workspace.NewConn(vsockDev, vsockDev)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		runControlChannel(ctx, cancel, conn, runner, console, vmDir, cfg.diskPath, blk, netDev, vsockDev)
	}()

	notifyCh := make(chan os.Signal, 1)
	signal.Notify(notifyCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-notifyCh:
			machine.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := runner.run(ctx)

	cancel()
	wg.Wait()

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)

		return exitHypervisor
	}

	return exitClean
}

// vmRunner drives vm.VM.Run across the pause/resume cycles a
// checkpoint needs: Run already returns cleanly when Stop is called
// (spec.md §5 "an external stop flag is polled at each exit
// boundary"), but the teacher's Stop/Run pair has no way to resume a
// vCPU that has not been torn down. vmRunner adds that: each pause is
// announced on paused so a waiting checkpoint can safely read VCPU
// state, and resume restarts the loop.
type vmRunner struct {
	machine *vm.VM
	paused  chan struct{}
	resume  chan struct{}
}

func newVMRunner(machine *vm.VM) *vmRunner {
	return &vmRunner{machine: machine, paused: make(chan struct{}), resume: make(chan struct{})}
}

// run drives the vCPU until ctx is cancelled, pausing and resuming
// around every Stop/Resume cycle in between.
func (r *vmRunner) run(ctx context.Context) error {
	for {
		if err := r.machine.Run(ctx); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		select {
		case r.paused <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		select {
		case <-r.resume:
			r.machine.Resume()
		case <-ctx.Done():
			return nil
		}
	}
}

// pauseForCheckpoint stops the vCPU and blocks until run's loop
// confirms it is idle.
func (r *vmRunner) pauseForCheckpoint(ctx context.Context) error {
	r.machine.Stop()

	select {
	case <-r.paused:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resumeAfterCheckpoint restarts the vCPU loop paused by
// pauseForCheckpoint.
func (r *vmRunner) resumeAfterCheckpoint() {
	r.resume <- struct{}{}
}

// runControlChannel is the Control thread spec.md §5 names: it
// services ping/checkpoint/shutdown requests arriving over the vsock
// control channel. exec/signal/read-file/write-file requests would be
// serviced by an in-guest agent this repository does not implement
// (spec.md §1's external collaborators), so they are answered with a
// protocol error rather than silently ignored.
func runControlChannel(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *workspace.Conn,
	runner *vmRunner,
	console *serial.Serial,
	vmDir, diskPath string,
	blk *virtio.BlkDevice,
	netDev *virtio.NetDevice,
	vsockDev *virtio.VsockDevice,
) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			log.Printf("carbon: control channel: %v", err)

			return
		}

		switch body := msg.Body.(type) {
		case workspace.PingRequest:
			reply(conn, workspace.PongResponse{})

		case workspace.CheckpointRequest:
			err := takeCheckpoint(ctx, runner, console, vmDir, diskPath, body.Name, blk, netDev, vsockDev)
			if err != nil {
				log.Printf("carbon: checkpoint %q: %v", body.Name, err)
				reply(conn, workspace.ErrorResponse{Message: err.Error()})
			} else {
				reply(conn, workspace.AckResponse{})
			}

		case workspace.ShutdownRequest:
			reply(conn, workspace.AckResponse{})
			runner.machine.Stop()
			cancel()

			return

		default:
			reply(conn, workspace.ErrorResponse{Message: "unsupported request"})
		}
	}
}

func reply(conn *workspace.Conn, body workspace.Body) {
	if err := conn.WriteMessage(&workspace.Message{Body: body}); err != nil {
		log.Printf("carbon: control channel reply: %v", err)
	}
}

// takeCheckpoint implements spec.md §4.9's checkpoint sequence: pause,
// capture CPU/VM/device state, quiesce devices, reflink-clone the
// disk, dump memory, write state.bin, then resume.
func takeCheckpoint(
	ctx context.Context,
	runner *vmRunner,
	console *serial.Serial,
	vmDir, diskPath, name string,
	blk *virtio.BlkDevice,
	netDev *virtio.NetDevice,
	vsockDev *virtio.VsockDevice,
) error {
	if err := runner.pauseForCheckpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: pause vCPU: %w", err)
	}
	defer runner.resumeAfterCheckpoint()

	cpuState, err := runner.machine.SaveCPUState()
	if err != nil {
		return fmt.Errorf("checkpoint: save CPU state: %w", err)
	}

	vmState, err := runner.machine.SaveVMState()
	if err != nil {
		return fmt.Errorf("checkpoint: save VM state: %w", err)
	}

	serialState := console.GetState()

	var quiescers []checkpoint.Quiescer

	devices := migration.DeviceState{Serial: serialState}

	if blk != nil {
		devices.Blk = blk.GetState()
		quiescers = append(quiescers, blk)
	}

	if netDev != nil {
		devices.Net = netDev.GetState()
		quiescers = append(quiescers, netDev)
	}

	devices.Vsock = vsockDev.GetState()
	quiescers = append(quiescers, vsockDev)

	snap := &migration.Snapshot{
		MemSize:   uint64(runner.machine.Memory().Len()),
		VCPUState: *cpuState,
		VM:        *vmState,
		Devices:   devices,
	}

	if _, err := checkpoint.Save(vmDir, name, diskPath, runner.machine.Memory().Bytes(), snap, quiescers...); err != nil {
		return err
	}

	return nil
}
