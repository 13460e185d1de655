//go:build linux

package gpio

import (
	"context"
	"sync/atomic"

	"github.com/warthog618/go-gpiocdev"

	"detentd/internal/quadrature"
)

const consumer = "detentd"

// cdevLines requests both encoder lines as one request with both-edge
// detection. gpiocdev delivers events to handleEvent from a single goroutine.
type cdevLines struct {
	lines  *gpiocdev.Lines
	onEdge atomic.Pointer[func()]
	closed atomic.Bool
	done   chan struct{}
}

func openCdevLines(cfg Config) (*cdevLines, error) {
	c := &cdevLines{done: make(chan struct{})}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(c.handleEvent),
	}
	if cfg.PullUp {
		opts = append(opts, gpiocdev.WithPullUp)
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	l, err := gpiocdev.RequestLines(cfg.Chip, []int{cfg.PinA, cfg.PinB}, opts...)
	if err != nil {
		return nil, err
	}
	c.lines = l
	cfg.Logger.Info("gpiocdev encoder lines requested",
		"chip", cfg.Chip, "a", cfg.PinA, "b", cfg.PinB, "pull_up", cfg.PullUp, "debounce", cfg.Debounce)
	return c, nil
}

func (c *cdevLines) handleEvent(gpiocdev.LineEvent) {
	if fn := c.onEdge.Load(); fn != nil {
		(*fn)()
	}
}

func (c *cdevLines) Read() (quadrature.Sample, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	vals := make([]int, 2)
	if err := c.lines.Values(vals); err != nil {
		return 0, err
	}
	return quadrature.NewSample(vals[0], vals[1]), nil
}

// Clear is a no-op: the event was consumed from the kernel queue before the
// handler ran.
func (c *cdevLines) Clear() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *cdevLines) Watch(ctx context.Context, onEdge func()) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.onEdge.Store(&onEdge)
	defer c.onEdge.Store(nil)

	select {
	case <-ctx.Done():
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *cdevLines) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.lines.Close()
}

type cdevOutput struct {
	line *gpiocdev.Line
}

func openCdevOutput(cfg Config) (*cdevOutput, error) {
	l, err := gpiocdev.RequestLine(cfg.Chip, cfg.LEDPin,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &cdevOutput{line: l}, nil
}

func (o *cdevOutput) Set(v int) error {
	return o.line.SetValue(level(v))
}

func (o *cdevOutput) Close() error {
	_ = o.line.SetValue(0)
	return o.line.Close()
}
