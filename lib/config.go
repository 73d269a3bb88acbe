package lib

/* config.go contains the parser for darter's config files, which use the
gcfg INI dialect. */

import (
	"fmt"

	"gopkg.in/gcfg.v1"
)

// ExampleTrackerFile is an example of a complete [Tracker] config file with
// every variable set and documented.
const ExampleTrackerFile = `[Tracker]

##############
## Required ##
##############

# Dim is the dimension of the mesh, 1 to 3.
Dim = 2

# Ranks is the number of ranks the job runs with.
Ranks = 4

# Particles is the number of particles seeded at startup.
Particles = 1000

##############
## Optional ##
##############

# SpaceDim is the dimension of the space the mesh is embedded in. It defaults
# to Dim. Setting it larger (e.g. Dim = 2, SpaceDim = 3) tracks particles on
# a surface mesh.
# SpaceDim = 3

# Levels is how many times the unit box is refined at startup. The mesh has
# 2^(Dim*Levels) cells. Defaults to 2.
# Levels = 3

# Steps is how many drift steps to run. Defaults to 8.
# Steps = 8

# StepSize scales the random particle drift per step. Defaults to 0.05.
# StepSize = 0.05

# Seed seeds the random particle positions and drifts, so runs can be
# reproduced. Defaults to 0.
# Seed = 12345

# MaxRounds bounds the number of exchange rounds one sort may use. Defaults
# to the tracker's internal default.
# MaxRounds = 3

# MaxLost is the largest global number of particles one sort may drop: 0
# means no bound, a negative value forbids any loss. Defaults to 0. Drifting
# particles leave through the box walls, so runs with many steps should
# leave this at 0.
# MaxLost = 0

# CheckpointDir, if set, makes the run save a checkpoint after the last
# step, restore from it, and verify the restored particle set.
# CheckpointDir = chk

# Threads is the maximum number of OS threads to use. Threads = -1 uses
# every core on the node. Defaults to -1.
# Threads = -1

# Verbose turns on per-operation debug logging. Defaults to false.
# Verbose = true
`

// TrackerConfig is the [Tracker] section of a config file. See
// ExampleTrackerFile for the meaning of each variable.
type TrackerConfig struct {
	// Required
	Dim       int
	Ranks     int
	Particles int

	// Optional
	SpaceDim        int
	Levels          int
	Steps           int
	StepSize        float64
	Seed            int64
	MaxRounds       int
	MaxLost         int
	CheckpointDir   string
	Threads         int
	Verbose         bool
}

// TrackerWrapper gives the TrackerConfig struct its section name within
// config files.
type TrackerWrapper struct {
	Tracker TrackerConfig
}

// DefaultTrackerWrapper returns a TrackerWrapper with every optional
// variable set to its default.
func DefaultTrackerWrapper() *TrackerWrapper {
	con := TrackerConfig{}
	con.Levels = 2
	con.Steps = 8
	con.StepSize = 0.05
	con.Threads = -1
	return &TrackerWrapper{con}
}

func (con *TrackerConfig) ValidDim() bool {
	return con.Dim >= 1 && con.Dim <= 3
}
func (con *TrackerConfig) ValidSpaceDim() bool {
	return con.SpaceDim >= con.Dim && con.SpaceDim <= 3
}
func (con *TrackerConfig) ValidRanks() bool {
	return con.Ranks >= 1
}
func (con *TrackerConfig) ValidParticles() bool {
	return con.Particles >= 1
}
func (con *TrackerConfig) ValidLevels() bool {
	return con.Levels >= 0 && con.Levels <= 20
}
func (con *TrackerConfig) ValidSteps() bool {
	return con.Steps >= 0
}
func (con *TrackerConfig) ValidStepSize() bool {
	return con.StepSize >= 0
}
func (con *TrackerConfig) ValidMaxRounds() bool {
	return con.MaxRounds >= 0
}

// ReadTrackerConfig parses and validates the config file at fname.
func ReadTrackerConfig(fname string) (*TrackerConfig, error) {
	wrap := DefaultTrackerWrapper()
	if err := gcfg.ReadFileInto(wrap, fname); err != nil {
		return nil, err
	}
	con := &wrap.Tracker

	if con.SpaceDim == 0 {
		con.SpaceDim = con.Dim
	}

	switch {
	case !con.ValidDim():
		return nil, fmt.Errorf("The variable Dim must be 1, 2, or 3, not %d.",
			con.Dim)
	case !con.ValidSpaceDim():
		return nil, fmt.Errorf("The variable SpaceDim must be in [Dim, 3] = "+
			"[%d, 3], not %d.", con.Dim, con.SpaceDim)
	case !con.ValidRanks():
		return nil, fmt.Errorf("The variable Ranks must be positive, not %d.",
			con.Ranks)
	case !con.ValidParticles():
		return nil, fmt.Errorf("The variable Particles must be positive, not %d.",
			con.Particles)
	case !con.ValidLevels():
		return nil, fmt.Errorf("The variable Levels must be in [0, 20], not %d.",
			con.Levels)
	case !con.ValidSteps():
		return nil, fmt.Errorf("The variable Steps cannot be negative, but is %d.",
			con.Steps)
	case !con.ValidStepSize():
		return nil, fmt.Errorf("The variable StepSize cannot be negative, but "+
			"is %g.", con.StepSize)
	case !con.ValidMaxRounds():
		return nil, fmt.Errorf("The variable MaxRounds cannot be negative, but "+
			"is %d. To use the default round budget, leave it unset.",
			con.MaxRounds)
	}

	return con, nil
}
