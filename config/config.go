package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/spatial"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds every setting of a run. All sections must be listed so
// strict decoding accepts them.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Velocity  VelocityConfig  `yaml:"velocity"`
	Run       RunConfig       `yaml:"run"`
}

// TransportConfig selects the remap backend and the stencil
type TransportConfig struct {
	StencilWidth    int           `yaml:"stencil_width"`
	Workers         int           `yaml:"workers"` // 0 = one per processor
	Backend         string        `yaml:"backend"` // cpu or occa
	Device          string        `yaml:"device"`  // OCCA device properties
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
}

// MeshConfig describes the spatial mesh
type MeshConfig struct {
	Cells              [3]int         `yaml:"cells"`
	Origin             [3]float64     `yaml:"origin"`
	CellSize           [3]float64     `yaml:"cell_size"`
	Periodic           [3]bool        `yaml:"periodic"`
	MaxRefinementLevel int            `yaml:"max_refinement_level"`
	Refine             []RefineRegion `yaml:"refine"`
	Boundary           string         `yaml:"boundary"` // none, fixed or outflow
}

// RefineRegion refines the cells centered in [Lo, Hi) to Level
type RefineRegion struct {
	Lo    [3]float64 `yaml:"lo"`
	Hi    [3]float64 `yaml:"hi"`
	Level int        `yaml:"level"`
}

// VelocityConfig describes the uniform velocity mesh
type VelocityConfig struct {
	Blocks [3]int     `yaml:"blocks"`
	VMin   [3]float64 `yaml:"vmin"`
	VMax   [3]float64 `yaml:"vmax"`
}

// RunConfig controls the driver
type RunConfig struct {
	Ranks      int        `yaml:"ranks"`
	Partition  string     `yaml:"partition"`
	Dt         float64    `yaml:"dt"`
	Steps      int        `yaml:"steps"`
	Population int        `yaml:"population"`
	Blob       BlobConfig `yaml:"blob"`
}

// BlobConfig is a Gaussian initial density drifting with one velocity
type BlobConfig struct {
	Center   [3]float64 `yaml:"center"`
	Width    float64    `yaml:"width"`
	Density  float64    `yaml:"density"`
	Velocity [3]float64 `yaml:"velocity"`
}

// Default returns the built in configuration
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return cfg, nil
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only fields present in the file are overwritten
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses data with strict field checking so typos fail
func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

// Validate checks the settings for consistency
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	t := c.Transport
	if t.StencilWidth < 1 {
		return fmt.Errorf("transport.stencil_width must be at least 1, got %d", t.StencilWidth)
	}
	if t.Workers < 0 {
		return fmt.Errorf("transport.workers must not be negative, got %d", t.Workers)
	}
	if t.Backend != "cpu" && t.Backend != "occa" {
		return fmt.Errorf("transport.backend must be cpu or occa, got %q", t.Backend)
	}
	if t.ExchangeTimeout <= 0 {
		return fmt.Errorf("transport.exchange_timeout must be positive, got %s", t.ExchangeTimeout)
	}

	m := c.Mesh
	for d := 0; d < 3; d++ {
		if m.Cells[d] < 1 {
			return fmt.Errorf("mesh.cells must be positive, got %v", m.Cells)
		}
		if m.CellSize[d] <= 0 {
			return fmt.Errorf("mesh.cell_size must be positive, got %v", m.CellSize)
		}
	}
	if m.MaxRefinementLevel < 0 || m.MaxRefinementLevel > 10 {
		return fmt.Errorf("mesh.max_refinement_level must be in [0, 10], got %d", m.MaxRefinementLevel)
	}
	for i, r := range m.Refine {
		if r.Level < 0 || r.Level > m.MaxRefinementLevel {
			return fmt.Errorf("mesh.refine[%d].level %d outside [0, %d]", i, r.Level, m.MaxRefinementLevel)
		}
	}
	if _, err := c.BoundaryType(); err != nil {
		return err
	}

	v := c.Velocity
	for d := 0; d < 3; d++ {
		if v.Blocks[d] < 1 {
			return fmt.Errorf("velocity.blocks must be positive, got %v", v.Blocks)
		}
		if v.VMax[d] <= v.VMin[d] {
			return fmt.Errorf("velocity extent [%g, %g) is empty along v%d", v.VMin[d], v.VMax[d], d)
		}
	}

	r := c.Run
	if r.Ranks < 1 {
		return fmt.Errorf("run.ranks must be at least 1, got %d", r.Ranks)
	}
	if _, err := partitions.ParseStrategy(r.Partition); err != nil {
		return fmt.Errorf("run.partition: %w", err)
	}
	if r.Dt <= 0 {
		return fmt.Errorf("run.dt must be positive, got %g", r.Dt)
	}
	if r.Steps < 0 {
		return fmt.Errorf("run.steps must not be negative, got %d", r.Steps)
	}
	if r.Population < 0 {
		return fmt.Errorf("run.population must not be negative, got %d", r.Population)
	}
	if r.Blob.Width <= 0 {
		return fmt.Errorf("run.blob.width must be positive, got %g", r.Blob.Width)
	}

	if s := c.MaxShift(); s > float64(t.StencilWidth) {
		return fmt.Errorf("run.dt %g moves %.3g finest cells, stencil_width is %d", r.Dt, s, t.StencilWidth)
	}
	return nil
}

// MaxShift returns the largest departure in units of the finest cell size
// along any resolved axis
func (c *Config) MaxShift() float64 {
	var shift float64
	for d := 0; d < 3; d++ {
		if c.Mesh.Cells[d] <= 1 {
			continue
		}
		vmax := math.Max(math.Abs(c.Velocity.VMin[d]), math.Abs(c.Velocity.VMax[d]))
		finest := c.Mesh.CellSize[d] / float64(int(1)<<uint(c.Mesh.MaxRefinementLevel))
		shift = math.Max(shift, vmax*c.Run.Dt/finest)
	}
	return shift
}

// BoundaryType returns the sysboundary type of the non-periodic faces
func (c *Config) BoundaryType() (spatial.SysBoundaryType, error) {
	switch c.Mesh.Boundary {
	case "", "none":
		return spatial.NotSysBoundary, nil
	case "fixed":
		return spatial.Fixed, nil
	case "outflow":
		return spatial.Outflow, nil
	default:
		return 0, fmt.Errorf("mesh.boundary must be none, fixed or outflow, got %q", c.Mesh.Boundary)
	}
}

// Level returns the parsed log level
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
