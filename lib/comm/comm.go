/*package comm models collective, message-passing communication between the
ranks of a particle tracking job. The ranks of a World live in one process,
one goroutine each, but follow the same call discipline as distributed
ranks: every rank must enter the same collectives in the same order, and a
collective returns on any rank only once all ranks have entered it.

A rank that enters the wrong collective, enters one twice, or never shows up
at all poisons the whole World: the current round and every later collective
return an error wrapping ErrProtocol on every rank.
*/
package comm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrProtocol is wrapped by every error caused by ranks disagreeing about
// which collective to run, or by a collective timing out.
var ErrProtocol = errors.New("collective protocol violation")

// DefaultTimeout is how long a rank waits inside a collective for the other
// ranks before declaring the protocol broken.
const DefaultTimeout = 30 * time.Second

// World is a set of ranks that communicate with each other. Create one with
// NewWorld, hand each goroutine its own Comm, or let Run do both.
type World struct {
	size    int
	timeout time.Duration

	mu     sync.Mutex
	cur    *round
	failed error
}

// Comm is one rank's endpoint in a World. A Comm must only be used by the
// goroutine driving that rank.
type Comm struct {
	w    *World
	rank int
}

// round is the state of one in-flight collective.
type round struct {
	op      string
	combine func(args []interface{}) interface{}
	args    []interface{}
	entered []bool
	n       int
	done    chan struct{}
	result  interface{}
	err     error
}

// NewWorld creates a world with the given number of ranks.
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("Internal error: world size %d is not positive.", size))
	}
	return &World{size: size, timeout: DefaultTimeout}
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// SetTimeout changes how long collectives wait for missing ranks. d <= 0
// waits forever.
func (w *World) SetTimeout(d time.Duration) { w.timeout = d }

// Comm returns the endpoint for one rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("Internal error: rank %d is not in [0, %d).", rank, w.size))
	}
	return &Comm{w, rank}
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.w.size }

// fail poisons the current round and the world. The caller must hold w.mu.
func (w *World) fail(r *round, err error) {
	if w.failed == nil {
		w.failed = err
	}
	if r != nil && r.err == nil {
		r.err = err
		close(r.done)
	}
	w.cur = nil
}

// collect is the body shared by every collective: enter the current round,
// contribute arg, and wait for the rest of the world. The last rank to
// arrive runs combine over all contributions and wakes the others.
func (w *World) collect(
	rank int, op string, arg interface{},
	combine func(args []interface{}) interface{},
) (interface{}, error) {
	w.mu.Lock()

	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		return nil, err
	}

	if w.cur == nil {
		w.cur = &round{
			op: op, combine: combine,
			args:    make([]interface{}, w.size),
			entered: make([]bool, w.size),
			done:    make(chan struct{}),
		}
	}
	r := w.cur

	if r.op != op {
		err := fmt.Errorf("%w: rank %d entered %s while the world is in %s",
			ErrProtocol, rank, op, r.op)
		w.fail(r, err)
		w.mu.Unlock()
		return nil, err
	}
	if r.entered[rank] {
		err := fmt.Errorf("%w: rank %d entered %s twice in one round",
			ErrProtocol, rank, op)
		w.fail(r, err)
		w.mu.Unlock()
		return nil, err
	}

	r.entered[rank] = true
	r.args[rank] = arg
	r.n++

	if r.n == w.size {
		r.result = r.combine(r.args)
		close(r.done)
		w.cur = nil
		w.mu.Unlock()
		return r.result, nil
	}

	timeout := w.timeout
	w.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			w.mu.Lock()
			select {
			case <-r.done:
				// Completed while the timer was firing.
			default:
				err := fmt.Errorf("%w: %s timed out after %v with %d of %d "+
					"ranks present", ErrProtocol, op, timeout, r.n, w.size)
				w.fail(r, err)
				w.mu.Unlock()
				return nil, err
			}
			w.mu.Unlock()
		}
	} else {
		<-r.done
	}

	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// Exchange is an all-to-all: out[r] is delivered to rank r, and the return
// in[r] holds the block rank r addressed to the caller. out must have one
// block per rank; blocks may be nil. Blocks are handed over without
// copying, so a receiver must not modify them.
func (c *Comm) Exchange(out [][]byte) ([][]byte, error) {
	if len(out) != c.w.size {
		panic(fmt.Sprintf("Internal error: Exchange given %d blocks for a "+
			"world of %d ranks.", len(out), c.w.size))
	}

	res, err := c.w.collect(c.rank, "Exchange", out, combineExchange)
	if err != nil {
		return nil, err
	}

	sends := res.([][][]byte)
	in := make([][]byte, c.w.size)
	for src := range sends {
		in[src] = sends[src][c.rank]
	}
	return in, nil
}

func combineExchange(args []interface{}) interface{} {
	sends := make([][][]byte, len(args))
	for i := range args {
		sends[i] = args[i].([][]byte)
	}
	return sends
}

// ReduceSum returns the sum of every rank's x, on every rank.
func (c *Comm) ReduceSum(x uint64) (uint64, error) {
	res, err := c.w.collect(c.rank, "ReduceSum", x, combineSum)
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func combineSum(args []interface{}) interface{} {
	total := uint64(0)
	for _, a := range args {
		total += a.(uint64)
	}
	return total
}

// ReduceMax returns the largest of every rank's x, on every rank.
func (c *Comm) ReduceMax(x uint64) (uint64, error) {
	res, err := c.w.collect(c.rank, "ReduceMax", x, combineMax)
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func combineMax(args []interface{}) interface{} {
	max := uint64(0)
	for _, a := range args {
		if x := a.(uint64); x > max {
			max = x
		}
	}
	return max
}

// Barrier returns once every rank has entered it.
func (c *Comm) Barrier() error {
	_, err := c.w.collect(c.rank, "Barrier", nil,
		func([]interface{}) interface{} { return nil })
	return err
}

// Run drives fn once per rank, each rank on its own goroutine, and returns
// after every rank finishes. If any rank returns an error, Run returns the
// first one.
func Run(w *World, fn func(c *Comm) error) error {
	g := &errgroup.Group{}
	for rank := 0; rank < w.size; rank++ {
		c := w.Comm(rank)
		g.Go(func() error { return fn(c) })
	}
	return g.Wait()
}
