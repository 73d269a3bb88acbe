package comm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestReduceSum(t *testing.T) {
	w := NewWorld(4)
	err := Run(w, func(c *Comm) error {
		sum, err := c.ReduceSum(uint64(c.Rank() + 1))
		if err != nil {
			return err
		}
		if sum != 10 {
			t.Errorf("Rank %d: expected sum = 10, got %d.", c.Rank(), sum)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestReduceMax(t *testing.T) {
	values := []uint64{3, 11, 7, 5}

	w := NewWorld(len(values))
	err := Run(w, func(c *Comm) error {
		max, err := c.ReduceMax(values[c.Rank()])
		if err != nil {
			return err
		}
		if max != 11 {
			t.Errorf("Rank %d: expected max = 11, got %d.", c.Rank(), max)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestBarrier(t *testing.T) {
	arrived := uint64(0)

	w := NewWorld(3)
	err := Run(w, func(c *Comm) error {
		atomic.AddUint64(&arrived, 1)
		if err := c.Barrier(); err != nil {
			return err
		}
		if n := atomic.LoadUint64(&arrived); n != 3 {
			t.Errorf("Rank %d passed the barrier with only %d ranks arrived.",
				c.Rank(), n)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestExchange(t *testing.T) {
	w := NewWorld(3)
	err := Run(w, func(c *Comm) error {
		out := make([][]byte, c.Size())
		for dst := 0; dst < c.Size(); dst++ {
			out[dst] = []byte(fmt.Sprintf("%d->%d", c.Rank(), dst))
		}
		if c.Rank() == 1 {
			out[2] = nil
		}

		in, err := c.Exchange(out)
		if err != nil {
			return err
		}

		for src := 0; src < c.Size(); src++ {
			want := fmt.Sprintf("%d->%d", src, c.Rank())
			if src == 1 && c.Rank() == 2 {
				if in[src] != nil {
					t.Errorf("Rank 2: expected a nil block from rank 1, "+
						"got %q.", in[src])
				}
				continue
			}
			if string(in[src]) != want {
				t.Errorf("Rank %d: expected %q from rank %d, got %q.",
					c.Rank(), want, src, in[src])
			}
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestMismatchedCollectives(t *testing.T) {
	w := NewWorld(2)
	err := Run(w, func(c *Comm) error {
		var err error
		if c.Rank() == 0 {
			_, err = c.ReduceSum(1)
		} else {
			err = c.Barrier()
		}
		if err == nil {
			t.Errorf("Rank %d: expected mismatched collectives to fail.",
				c.Rank())
		} else if !errors.Is(err, ErrProtocol) {
			t.Errorf("Rank %d: expected an ErrProtocol, got '%v'.",
				c.Rank(), err)
		}

		// The world stays poisoned even if everyone agrees afterwards.
		if err := c.Barrier(); !errors.Is(err, ErrProtocol) {
			t.Errorf("Rank %d: expected the world to stay poisoned, got '%v'.",
				c.Rank(), err)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestDoubleEntry(t *testing.T) {
	// Two goroutines misusing rank 0's Comm: whichever arrives second enters
	// the round twice, which poisons the round and then the world.
	w := NewWorld(2)
	c0 := w.Comm(0)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c0.ReduceSum(1)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrProtocol) {
			t.Errorf("%d) Expected an ErrProtocol, got '%v'.", i, err)
		}
	}

	if err := w.Comm(1).Barrier(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected the world to stay poisoned, got '%v'.", err)
	}
}

func TestTimeout(t *testing.T) {
	w := NewWorld(2)
	w.SetTimeout(20 * time.Millisecond)

	err := Run(w, func(c *Comm) error {
		if c.Rank() != 0 {
			return nil
		}
		_, err := c.ReduceSum(1)
		if err == nil {
			t.Errorf("Expected a deserted collective to time out.")
		} else if !errors.Is(err, ErrProtocol) {
			t.Errorf("Expected an ErrProtocol, got '%v'.", err)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestRunPropagatesErrors(t *testing.T) {
	w := NewWorld(3)
	boom := errors.New("rank failure")
	err := Run(w, func(c *Comm) error {
		if c.Rank() == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected Run to return the rank's error, got '%v'.", err)
	}
}
