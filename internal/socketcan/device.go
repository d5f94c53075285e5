//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
)

// Device implements bxcan.Peripheral and bxcan.InterruptController on a raw
// CAN socket. Bit timing belongs to the network interface (ip link) and is
// only recorded here.
type Device struct {
	mu      sync.Mutex
	iface   string
	ifindex int
	fd      int
	cfg     bxcan.Config
	state   bxcan.State
	log     *slog.Logger
}

var (
	_ bxcan.Peripheral          = (*Device)(nil)
	_ bxcan.InterruptController = (*Device)(nil)
)

// Open creates a non-blocking raw socket for iface. The socket is bound by
// Start.
func Open(iface string, l *slog.Logger) (*Device, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	return &Device{iface: iface, ifindex: ifi.Index, fd: fd, log: logging.Or(l)}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

func (d *Device) Init(cfg bxcan.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Loopback modes read back their own frames; the wire still sees them.
	own := 0
	if cfg.Mode.Loopback() {
		own = 1
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, own); err != nil {
		d.state = bxcan.StateError
		return fmt.Errorf("set recv_own_msgs: %w", err)
	}
	d.cfg = cfg
	d.state = bxcan.StateReady
	d.log.Debug("socketcan_init", "if", d.iface, "mode", cfg.Mode.String(),
		"sjw", cfg.SJW, "bs1", cfg.BS1, "bs2", cfg.BS2, "prescaler", cfg.Prescaler)
	return nil
}

func (d *Device) ConfigFilter(f bxcan.Filter) error {
	if f.Queue != bxcan.FIFO0 {
		return errFifo1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	flt := []unix.CanFilter{{Id: f.ID, Mask: f.Mask}}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, flt); err != nil {
		return fmt.Errorf("set filter: %w", err)
	}
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != bxcan.StateReady {
		return bxcan.ErrNotReady
	}
	if err := unix.Bind(d.fd, &unix.SockaddrCAN{Ifindex: d.ifindex}); err != nil {
		d.state = bxcan.StateError
		return fmt.Errorf("bind(can@%s): %w", d.iface, err)
	}
	d.state = bxcan.StateListening
	return nil
}

// EnableRxInterrupt is accepted; readiness is sampled by RxFifoFillLevel.
func (d *Device) EnableRxInterrupt(bxcan.RxQueue) error { return nil }

func (d *Device) AddTxMessage(f can.Frame) (int, error) {
	d.mu.Lock()
	mode, st := d.cfg.Mode, d.state
	d.mu.Unlock()
	if st != bxcan.StateListening {
		return -1, bxcan.ErrNotReady
	}
	if mode == bxcan.ModeSilent || mode == bxcan.ModeSilentLoopback {
		return -1, errSilentTx
	}
	buf := encodeFrame(f)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return -1, fmt.Errorf("write: %w", err)
	}
	return 0, nil
}

func (d *Device) TxMailboxesFreeLevel() int {
	outq, err := unix.IoctlGetInt(d.fd, unix.SIOCOUTQ)
	if err != nil {
		return 0
	}
	return freeMailboxes(outq)
}

func (d *Device) RxFifoFillLevel(q bxcan.RxQueue) int {
	if q != bxcan.FIFO0 {
		return 0
	}
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return 0
	}
	return 1
}

func (d *Device) GetRxMessage(q bxcan.RxQueue) (can.Frame, error) {
	if q != bxcan.FIFO0 {
		return can.Frame{}, bxcan.ErrFifoEmpty
	}
	var buf [frameSize]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return can.Frame{}, bxcan.ErrFifoEmpty
		}
		return can.Frame{}, fmt.Errorf("read: %w", err)
	}
	return decodeFrame(buf[:n])
}

func (d *Device) State() bxcan.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
