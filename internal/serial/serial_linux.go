//go:build linux

package serial

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a raw serial device opened for polled, non-blocking reads.
//
// Poll never waits for data: the termios read timer is disabled (VMIN=0,
// VTIME=0), so a read returns immediately with whatever bytes the driver
// has buffered, possibly none. Writes go to the kernel tty buffer and are
// effectively non-blocking at tracker line rates.
type Port struct {
	fd     int
	device string
}

func Open(device string, baud int) (*Port, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", device, err)
	}

	// Best-effort: if anything below fails, close fd.
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode (no line discipline processing) for NMEA and AT streams.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	// CLOCAL: a tracker UART has no modem control lines worth honoring.
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	// Polling reads: return immediately, even with zero bytes available.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	// Set baud.
	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}

	ok = true
	return &Port{fd: fd, device: device}, nil
}

// Poll reads whatever is pending without blocking. It returns (0, nil) when
// no bytes are available.
func (p *Port) Poll(buf []byte) (int, error) {
	if p == nil || p.fd < 0 {
		return 0, fmt.Errorf("serial port is closed")
	}
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("serial read %s: %w", p.device, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	if p == nil || p.fd < 0 {
		return 0, fmt.Errorf("serial port is closed")
	}
	total := 0
	for total < len(b) {
		n, err := unix.Write(p.fd, b[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				// The tty buffer is briefly full; give the UART a moment.
				time.Sleep(time.Millisecond)
				continue
			}
			return total, fmt.Errorf("serial write %s: %w", p.device, err)
		}
		total += n
	}
	return total, nil
}

func (p *Port) Close() error {
	if p == nil || p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1
	return unix.Close(fd)
}

func (p *Port) Device() string {
	if p == nil {
		return ""
	}
	return p.device
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
