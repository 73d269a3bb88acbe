package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/phil-mansfield/darter/lib"
	"github.com/phil-mansfield/darter/lib/comm"
	"github.com/phil-mansfield/darter/lib/grid"
	"github.com/phil-mansfield/darter/lib/particles"
	"github.com/phil-mansfield/darter/lib/ranklog"
)

func main() {
	if len(os.Args) < 2 {
		lib.ExternalErrorf("darter must be run as 'darter <mode> [config file]', " +
			"where <mode> is 'help', 'example', 'check', or 'run'.")
	}
	mode := os.Args[1]

	// Run the chosen mode.
	switch mode {
	case "help":
		PrintHelp()
	case "example":
		fmt.Print(lib.ExampleTrackerFile)
	case "check":
		Check(configName(mode))
	case "run":
		Run(configName(mode))
	default:
		lib.ExternalErrorf(
			"You attempted to run darter in the mode '%s', but the only valid "+
				"modes are 'help', 'example', 'check', and 'run'.", mode,
		)
	}
}

func configName(mode string) string {
	if len(os.Args) < 3 {
		lib.ExternalErrorf("The '%s' mode needs a config file: "+
			"'darter %s <config file>'.", mode, mode)
	}
	return os.Args[2]
}

// PrintHelp runs darter's "help" mode.
func PrintHelp() {
	fmt.Printf(`darter version %d

darter tracks particles through a distributed adaptive mesh: it seeds
particles, drifts them, keeps each one on the rank owning its cell, and
round-trips the whole set through a checkpoint.

Usage:
    darter help                  print this message
    darter example               print an example config file
    darter check <config file>   validate a config file
    darter run <config file>     run the job the config file describes
`, lib.Version)
}

// Check runs darter's "check" mode, which tests for errors in the config
// file.
func Check(fname string) {
	if _, err := lib.ReadTrackerConfig(fname); err != nil {
		lib.ExternalErrorf("%v", err)
	}
	fmt.Println("No errors detected.")
}

// Run runs darter's "run" mode.
func Run(fname string) {
	con, err := lib.ReadTrackerConfig(fname)
	if err != nil {
		lib.ExternalErrorf("%v", err)
	}

	lib.SetThreads(con.Threads)

	world := comm.NewWorld(con.Ranks)
	err = comm.Run(world, func(c *comm.Comm) error { return runRank(con, c) })
	if err != nil {
		lib.ExternalErrorf("%v", err)
	}
}

// runRank is the body of the "run" mode executed by each rank.
func runRank(con *lib.TrackerConfig, c *comm.Comm) error {
	level := zerolog.InfoLevel
	if con.Verbose {
		level = zerolog.DebugLevel
	}
	log := ranklog.Console(c.Rank()).Level(level)

	forest, err := grid.NewUnitCube(con.Dim, con.SpaceDim, con.Levels,
		c.Rank(), c.Size())
	if err != nil {
		return err
	}
	tracker := particles.NewTracker(forest, c, particles.Params{
		MaxRounds: con.MaxRounds, MaxLost: con.MaxLost, Log: &log,
	})

	// Rank 0 seeds every particle with no cell hints at all. The first sort
	// scatters them to their owners.
	if c.Rank() == 0 {
		rng := rand.New(rand.NewSource(con.Seed))
		for i := 0; i < con.Particles; i++ {
			x := make([]float64, con.SpaceDim)
			for d := 0; d < con.Dim; d++ {
				x[d] = rng.Float64()
			}
			if err := tracker.Insert(uint64(i), x, nil, grid.NoCell); err != nil {
				return err
			}
		}
	}
	if err := tracker.SortIntoCells(); err != nil {
		return err
	}

	// One tagged tracer at the box center, minted with a collectively
	// agreed ID.
	tracerID, err := tracker.NextFreeID()
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		x := make([]float64, con.SpaceDim)
		for d := 0; d < con.Dim; d++ {
			x[d] = 0.5
		}
		err := tracker.Insert(tracerID, x, []byte("tracer"), grid.NoCell)
		if err != nil {
			return err
		}
	}
	if err := tracker.SortIntoCells(); err != nil {
		return err
	}

	n0, err := tracker.NGlobal()
	if err != nil {
		return err
	}
	log.Info().Int("local", tracker.NLocal()).Uint64("global", n0).
		Int("cells", len(forest.OwnedCells())).Msg("seeded particles")

	rng := rand.New(rand.NewSource(con.Seed + int64(c.Rank()) + 1))
	drs := []float64{}
	for step := 0; step < con.Steps; step++ {
		ps := []*particles.Particle{}
		tracker.Registry().EachBound(func(p *particles.Particle) bool {
			ps = append(ps, p)
			return true
		})

		for _, p := range ps {
			dx := make([]float64, con.Dim)
			for d := 0; d < con.Dim; d++ {
				dx[d] = rng.NormFloat64() * con.StepSize
				x := p.X[d] + dx[d]
				// Reflect off the box walls so nothing is lost to the void.
				if x < 0 {
					x = -x
				}
				if x > 1 {
					x = 2 - x
				}
				if x < 0 || x > 1 {
					x = p.X[d]
				}
				p.X[d] = x
			}
			drs = append(drs, floats.Norm(dx, 2))
		}

		if err := tracker.SortIntoCells(); err != nil {
			return err
		}
		n, err := tracker.NGlobal()
		if err != nil {
			return err
		}
		if n != n0 {
			return fmt.Errorf("Started with %d particles, but %d remain after "+
				"step %d.", n0, n, step)
		}
		log.Debug().Int("step", step).Int("local", tracker.NLocal()).
			Msg("drifted and sorted")
	}

	if len(drs) > 0 {
		log.Info().Float64("meanStep", stat.Mean(drs, nil)).
			Float64("stdStep", stat.StdDev(drs, nil)).
			Uint64("lost", tracker.NLost()).Msg("drift finished")
	}

	if con.CheckpointDir != "" {
		return roundTrip(con, c, forest, tracker, log, n0)
	}
	return nil
}

// roundTrip saves a checkpoint, restores it into a fresh mesh and tracker,
// and verifies the restored particle set.
func roundTrip(
	con *lib.TrackerConfig, c *comm.Comm,
	forest *grid.Forest, tracker *particles.Tracker,
	log zerolog.Logger, n0 uint64,
) error {
	if c.Rank() == 0 {
		if err := os.MkdirAll(con.CheckpointDir, 0755); err != nil {
			return err
		}
	}
	if err := c.Barrier(); err != nil {
		return err
	}

	// The particles must be packed before the forest is saved: Save drains
	// the per-cell blocks, wherever they came from.
	if err := tracker.PrepareForSave(); err != nil {
		return err
	}
	if c.Rank() == 0 {
		if err := writeFile(particleFile(con), tracker.Save); err != nil {
			return err
		}
	}
	if err := writeFile(forestFile(con, c.Rank()), forest.Save); err != nil {
		return err
	}
	if err := c.Barrier(); err != nil {
		return err
	}

	forest2, err := grid.NewUnitCube(con.Dim, con.SpaceDim, con.Levels,
		c.Rank(), c.Size())
	if err != nil {
		return err
	}
	tracker2 := particles.NewTracker(forest2, c, particles.Params{
		MaxRounds: con.MaxRounds, MaxLost: con.MaxLost, Log: &log,
	})

	// Restore order is the mirror of the save order: particle archive
	// first, then the forest archives.
	pf, err := os.Open(particleFile(con))
	if err != nil {
		return err
	}
	err = tracker2.Load(pf)
	pf.Close()
	if err != nil {
		return err
	}

	files := make([]*os.File, c.Size())
	archives := make([]io.Reader, c.Size())
	for r := 0; r < c.Size(); r++ {
		if files[r], err = os.Open(forestFile(con, r)); err != nil {
			break
		}
		archives[r] = files[r]
	}
	if err == nil {
		err = forest2.Load(archives...)
	}
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
	if err != nil {
		return err
	}

	if err := tracker2.FinalizeRestore(); err != nil {
		return err
	}
	n, err := tracker2.NGlobal()
	if err != nil {
		return err
	}
	if n != n0 {
		return fmt.Errorf("The checkpoint was saved with %d particles, but %d "+
			"were restored.", n0, n)
	}

	log.Info().Int("local", tracker2.NLocal()).Uint64("global", n).
		Msg("checkpoint round trip verified")
	return nil
}

func particleFile(con *lib.TrackerConfig) string {
	return filepath.Join(con.CheckpointDir, "particles.dat")
}

func forestFile(con *lib.TrackerConfig, rank int) string {
	return filepath.Join(con.CheckpointDir, fmt.Sprintf("forest.%d.dat", rank))
}

func writeFile(fname string, save func(w io.Writer) error) error {
	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	if err := save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
