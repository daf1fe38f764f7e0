//go:build linux

package hci

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioW(t, nr, size uintptr) uintptr {
	return (1 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize     = 4
	hciMaxDevices = 16
	typHCI        = 72 // 'H'
)

var (
	hciUpDevice      = ioW(typHCI, 201, ioctlSize) // HCIDEVUP
	hciDownDevice    = ioW(typHCI, 202, ioctlSize) // HCIDEVDOWN
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
)

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]struct {
		id  uint16
		opt uint32
	}
}

// Socket is an HCI user channel. The kernel's own Bluetooth stack is
// detached from the device while it is open.
type Socket struct {
	fd     int
	log    *zap.Logger
	closed chan struct{}
	once   sync.Once
	rmu    sync.Mutex
	wmu    sync.Mutex
}

var _ PacketConn = (*Socket)(nil)

// NewSocket opens device hci<id>, or the first one that can be bound when id
// is -1.
func NewSocket(id int, log *zap.Logger) (*Socket, error) {
	if log == nil {
		log = zap.L()
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("hci: socket: %w", err)
	}
	if id != -1 {
		s, err := open(fd, id, log)
		if err != nil {
			_ = unix.Close(fd)
		}
		return s, err
	}

	req := devListRequest{devNum: hciMaxDevices}
	if err = ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("hci: list devices: %w", err)
	}
	var errs error
	for i := 0; i < int(req.devNum); i++ {
		s, err := open(fd, int(req.devRequest[i].id), log)
		if err == nil {
			return s, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("hci%d: %w", req.devRequest[i].id, err))
	}
	_ = unix.Close(fd)
	if errs == nil {
		errs = errors.New("no devices")
	}
	return nil, fmt.Errorf("hci: no device available: %w", errs)
}

func open(fd, id int, log *zap.Logger) (*Socket, error) {
	// Cycle the device in case a previous session did not clean up.
	if err := ioctl(uintptr(fd), hciDownDevice, uintptr(id)); err != nil {
		return nil, err
	}
	if err := ioctl(uintptr(fd), hciUpDevice, uintptr(id)); err != nil {
		return nil, err
	}
	// The user channel needs the device down when binding.
	if err := ioctl(uintptr(fd), hciDownDevice, uintptr(id)); err != nil {
		return nil, err
	}
	sa := unix.SockaddrHCI{Dev: uint16(id), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, &sa); err != nil {
		return nil, err
	}

	// Drain anything left over from before the bind.
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfds, 20); err == nil && pfds[0].Revents&unix.POLLIN > 0 {
		b := make([]byte, 256)
		_, _ = unix.Read(fd, b)
	}

	return &Socket{fd: fd, log: log.With(zap.Int("hci", id)), closed: make(chan struct{})}, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return unix.Read(s.fd, p)
}

func (s *Socket) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return unix.Write(s.fd, p)
}

// ReadPacket skips packets that fail to decode.
func (s *Socket) ReadPacket() (Packet, error) {
	buf := make([]byte, math.MaxUint16)
	for {
		n, err := s.Read(buf)
		if err != nil {
			return nil, err
		}
		s.log.Debug("read", zap.Binary("packet", buf[:n]))
		p, err := Unmarshal(append([]byte(nil), buf[:n]...))
		if err != nil {
			s.log.Debug("undecodable packet", zap.Error(err))
			continue
		}
		return p, nil
	}
}

func (s *Socket) WritePacket(p Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	s.log.Debug("write", zap.Binary("packet", buf))
	_, err = s.Write(buf)
	return err
}

func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		// Read BD_ADDR completes immediately, which wakes a blocked Read.
		_ = s.WritePacket(NewGenericCommandPacket(OpcodeReadBDAddr))
		s.rmu.Lock()
		defer s.rmu.Unlock()
		err = unix.Close(s.fd)
	})
	return err
}
