//go:build linux

package gpio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"detentd/internal/quadrature"
)

const (
	sysfsBaseDir       = "/sys/class/gpio"
	sysfsVerifyTimeout = 2 * time.Second
	sysfsPollTimeoutMS = 100
)

// sysfsRoot locates the gpio class directory. Tests point it elsewhere.
type sysfsRoot struct {
	dir string
	// verify waits for udev to fix up permissions on freshly exported pins.
	verify bool
}

func defaultSysfsRoot() sysfsRoot {
	return sysfsRoot{dir: sysfsBaseDir, verify: os.Geteuid() != 0}
}

func (r sysfsRoot) pinFile(n int, name string) string {
	return filepath.Join(r.dir, fmt.Sprintf("gpio%d", n), name)
}

// export makes gpioN visible, unless it already is.
func (r sysfsRoot) export(n int) error {
	val := r.pinFile(n, "value")
	if err := unix.Access(val, unix.W_OK|unix.R_OK); err == nil {
		return nil
	}
	if err := writeFile(filepath.Join(r.dir, "export"), fmt.Sprintf("%d", n)); err != nil {
		return fmt.Errorf("export gpio%d: %w", n, err)
	}
	if r.verify {
		return waitWritable(val)
	}
	return nil
}

func (r sysfsRoot) unexport(n int) error {
	return writeFile(filepath.Join(r.dir, "unexport"), fmt.Sprintf("%d", n))
}

// sysfsPin is one exported pin with its value file held open.
type sysfsPin struct {
	root   sysfsRoot
	number int
	value  *os.File
	buf    []byte
}

func openSysfsPin(root sysfsRoot, n int, direction, edge string) (*sysfsPin, error) {
	if err := root.export(n); err != nil {
		return nil, err
	}
	if err := writeFile(root.pinFile(n, "direction"), direction); err != nil {
		_ = root.unexport(n)
		return nil, fmt.Errorf("gpio%d direction: %w", n, err)
	}
	if edge != "" {
		if err := writeFile(root.pinFile(n, "edge"), edge); err != nil {
			_ = root.unexport(n)
			return nil, fmt.Errorf("gpio%d edge: %w", n, err)
		}
	}
	f, err := os.OpenFile(root.pinFile(n, "value"), os.O_RDWR, 0600)
	if err != nil {
		_ = root.unexport(n)
		return nil, fmt.Errorf("gpio%d value: %w", n, err)
	}
	return &sysfsPin{root: root, number: n, value: f, buf: make([]byte, 1)}, nil
}

// get reads the value file from the start. On an edge-enabled pin this also
// clears the pending POLLPRI condition.
func (p *sysfsPin) get() (int, error) {
	if _, err := p.value.ReadAt(p.buf, 0); err != nil {
		return 0, fmt.Errorf("gpio%d read: %w", p.number, err)
	}
	switch p.buf[0] {
	case '0':
		return 0, nil
	case '1':
		return 1, nil
	default:
		return 0, fmt.Errorf("gpio%d: unknown value %q", p.number, p.buf)
	}
}

func (p *sysfsPin) set(v int) error {
	p.buf[0] = '0'
	if v != 0 {
		p.buf[0] = '1'
	}
	if _, err := p.value.WriteAt(p.buf, 0); err != nil {
		return fmt.Errorf("gpio%d write: %w", p.number, err)
	}
	return nil
}

func (p *sysfsPin) close() error {
	err := p.value.Close()
	_ = p.root.unexport(p.number)
	return err
}

type sysfsLines struct {
	a, b *sysfsPin

	// mu guards the shared read buffers of a and b.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func openSysfsLines(cfg Config) (*sysfsLines, error) {
	return openSysfsLinesAt(defaultSysfsRoot(), cfg)
}

func openSysfsLinesAt(root sysfsRoot, cfg Config) (*sysfsLines, error) {
	a, err := openSysfsPin(root, cfg.PinA, "in", "both")
	if err != nil {
		return nil, err
	}
	b, err := openSysfsPin(root, cfg.PinB, "in", "both")
	if err != nil {
		_ = a.close()
		return nil, err
	}
	if cfg.PullUp {
		cfg.Logger.Warn("sysfs backend cannot configure pull-ups; set them in the device tree")
	}
	cfg.Logger.Info("sysfs encoder lines exported", "a", cfg.PinA, "b", cfg.PinB)
	return &sysfsLines{a: a, b: b, done: make(chan struct{})}, nil
}

func (s *sysfsLines) Read() (quadrature.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	va, err := s.a.get()
	if err != nil {
		return 0, err
	}
	vb, err := s.b.get()
	if err != nil {
		return 0, err
	}
	return quadrature.NewSample(va, vb), nil
}

// Clear re-reads both value files so poll stops reporting the serviced edge.
func (s *sysfsLines) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, errA := s.a.get()
	_, errB := s.b.get()
	return errors.Join(errA, errB)
}

// Watch polls both value files for POLLPRI. The timeout bounds how long a
// canceled context goes unnoticed.
func (s *sysfsLines) Watch(ctx context.Context, onEdge func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	fds := []unix.PollFd{
		{Fd: int32(s.a.value.Fd()), Events: unix.POLLPRI | unix.POLLERR},
		{Fd: int32(s.b.value.Fd()), Events: unix.POLLPRI | unix.POLLERR},
	}
	s.mu.Unlock()

	// The first poll after export reports the initial state; consume it.
	_ = s.Clear()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return ErrClosed
		default:
		}

		fds[0].Revents, fds[1].Revents = 0, 0
		n, err := unix.Poll(fds, sysfsPollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		for i := range fds {
			if fds[i].Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
				onEdge()
			}
		}
	}
}

func (s *sysfsLines) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return errors.Join(s.a.close(), s.b.close())
}

type sysfsOutput struct {
	pin *sysfsPin
}

func openSysfsOutput(cfg Config) (*sysfsOutput, error) {
	return openSysfsOutputAt(defaultSysfsRoot(), cfg)
}

func openSysfsOutputAt(root sysfsRoot, cfg Config) (*sysfsOutput, error) {
	p, err := openSysfsPin(root, cfg.LEDPin, "out", "")
	if err != nil {
		return nil, err
	}
	return &sysfsOutput{pin: p}, nil
}

func (o *sysfsOutput) Set(v int) error { return o.pin.set(v) }

func (o *sysfsOutput) Close() error {
	_ = o.pin.set(0)
	return o.pin.close()
}

func writeFile(name, s string) error {
	f, err := os.OpenFile(name, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(s))
	return err
}

func waitWritable(name string) error {
	sl := time.Millisecond
	for waited := time.Duration(0); waited < sysfsVerifyTimeout; waited += sl {
		if unix.Access(name, unix.W_OK) == nil {
			return nil
		}
		time.Sleep(sl)
	}
	return fmt.Errorf("%s: not writable", name)
}
