package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"detentd/internal/quadrature"
)

const periphEdgeTimeout = 100 * time.Millisecond

var (
	periphOnce sync.Once
	periphErr  error
)

func periphInit() error {
	periphOnce.Do(func() {
		_, periphErr = host.Init()
	})
	return periphErr
}

func periphPin(n int) (pgpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such pin %s", name)
	}
	return p, nil
}

// periphLines waits for edges with one goroutine per pin, since periph
// exposes edge detection per pin only.
type periphLines struct {
	a, b   pgpio.PinIO
	closed atomic.Bool
	done   chan struct{}
}

func openPeriphLines(cfg Config) (*periphLines, error) {
	if err := periphInit(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pull := pgpio.Float
	if cfg.PullUp {
		pull = pgpio.PullUp
	}
	a, err := periphPin(cfg.PinA)
	if err != nil {
		return nil, err
	}
	b, err := periphPin(cfg.PinB)
	if err != nil {
		return nil, err
	}
	for _, p := range []pgpio.PinIO{a, b} {
		if err := p.In(pull, pgpio.BothEdges); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	cfg.Logger.Info("periph encoder lines configured", "a", a.Name(), "b", b.Name(), "pull", pull)
	return &periphLines{a: a, b: b, done: make(chan struct{})}, nil
}

func (p *periphLines) Read() (quadrature.Sample, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return quadrature.NewSample(levelOf(p.a.Read()), levelOf(p.b.Read())), nil
}

// Clear is a no-op: WaitForEdge consumes the edge it reports.
func (p *periphLines) Clear() error {
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *periphLines) Watch(ctx context.Context, onEdge func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var wg sync.WaitGroup
	for _, pin := range []pgpio.PinIO{p.a, p.b} {
		wg.Add(1)
		go func(pin pgpio.PinIO) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.done:
					return
				default:
				}
				if pin.WaitForEdge(periphEdgeTimeout) {
					onEdge()
				}
			}
		}(pin)
	}
	wg.Wait()
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *periphLines) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)
	var errs []error
	for _, pin := range []pgpio.PinIO{p.a, p.b} {
		if err := pin.Halt(); err != nil {
			errs = append(errs, err)
		}
		if err := pin.In(pgpio.PullNoChange, pgpio.NoEdge); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type periphOutput struct {
	pin pgpio.PinIO
}

func openPeriphOutput(cfg Config) (*periphOutput, error) {
	if err := periphInit(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	p, err := periphPin(cfg.LEDPin)
	if err != nil {
		return nil, err
	}
	if err := p.Out(pgpio.Low); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return &periphOutput{pin: p}, nil
}

func (o *periphOutput) Set(v int) error {
	return o.pin.Out(pgpio.Level(v != 0))
}

func (o *periphOutput) Close() error {
	_ = o.pin.Out(pgpio.Low)
	return o.pin.Halt()
}

func levelOf(l pgpio.Level) int {
	if l == pgpio.High {
		return 1
	}
	return 0
}
