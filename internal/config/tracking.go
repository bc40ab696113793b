package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/detect"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Tracking is the YAML configuration of one tracking run.
type Tracking struct {
	Model     string          `yaml:"model"`
	Exp       string          `yaml:"exp"`
	Timestep  time.Duration   `yaml:"timestep"`
	Paths     PathsConfig     `yaml:"paths"`
	Detect    DetectConfig    `yaml:"detect"`
	Stitch    StitchConfig    `yaml:"stitch"`
	Extract   ExtractConfig   `yaml:"extract"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	Archive   string `yaml:"archive"`
	WorkDir   string `yaml:"workdir"`
	OutDir    string `yaml:"outdir"`
	Orography string `yaml:"orography"`
}

// EngineConfig describes an engine binary.
type EngineConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// DetectConfig tunes node detection.
type DetectConfig struct {
	Orography          bool         `yaml:"orography"`
	RegridFactor       int          `yaml:"regrid_factor"`
	MergeDist          float64      `yaml:"merge_dist"`
	ClosedContourPSL   string       `yaml:"closed_contour_psl"`
	ClosedContourThick string       `yaml:"closed_contour_thick"`
	Engine             EngineConfig `yaml:"engine"`
}

// StitchConfig tunes block planning and stitching.
type StitchConfig struct {
	NDaysFreq  int                `yaml:"n_days_freq"`
	NDaysExt   int                `yaml:"n_days_ext"`
	Range      float64            `yaml:"range"`
	MinTime    time.Duration      `yaml:"mintime"`
	MaxGap     time.Duration      `yaml:"maxgap"`
	Thresholds []domain.Threshold `yaml:"thresholds"`
	Engine     EngineConfig       `yaml:"engine"`
}

// ExtractConfig tunes region extraction.
type ExtractConfig struct {
	Vars    []string `yaml:"vars"`
	Delta   float64  `yaml:"delta"`
	Workers int      `yaml:"workers"`
}

// StreamingConfig controls the control loop.
type StreamingConfig struct {
	Start          time.Time     `yaml:"start"`
	End            time.Time     `yaml:"end"`
	Follow         bool          `yaml:"follow"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	FlushRemainder bool          `yaml:"flush_remainder"`
	Resume         bool          `yaml:"resume"`
	CacheFiles     int64         `yaml:"cache_files"`
}

// Constraints returns the stitching constraints.
func (t *Tracking) Constraints() domain.Constraints {
	return domain.Constraints{
		Range:      t.Stitch.Range,
		MinTime:    t.Stitch.MinTime,
		MaxGap:     t.Stitch.MaxGap,
		Thresholds: t.Stitch.Thresholds,
	}
}

// Schema returns the record layout implied by the orography setting.
func (t *Tracking) Schema() domain.Schema {
	return domain.SchemaFor(t.Detect.Orography)
}

// NewDefaultTracking returns a Tracking with default values.
func NewDefaultTracking() *Tracking {
	return &Tracking{
		Timestep: 6 * time.Hour,
		Paths: PathsConfig{
			WorkDir: "./work",
			OutDir:  "./out",
		},
		Detect: DetectConfig{
			RegridFactor:       1,
			MergeDist:          6,
			ClosedContourPSL:   "200.0,5.5,0",
			ClosedContourThick: "-58.8,6.5,1.0",
			Engine:             EngineConfig{Command: "DetectNodes", Timeout: 10 * time.Minute},
		},
		Stitch: StitchConfig{
			NDaysFreq: 3,
			NDaysExt:  1,
			Range:     8,
			MinTime:   54 * time.Hour,
			MaxGap:    24 * time.Hour,
			Engine:    EngineConfig{Command: "StitchNodes", Timeout: 10 * time.Minute},
		},
		Extract: ExtractConfig{
			Delta: 10,
		},
		Streaming: StreamingConfig{
			IdleTimeout:    10 * time.Minute,
			MaxRetries:     5,
			FlushRemainder: true,
			Resume:         true,
			CacheFiles:     8,
		},
	}
}

// LoadTracking reads a tracking configuration from a YAML file with
// environment variable expansion, on top of the defaults.
func LoadTracking(filename string) (*Tracking, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	t := NewDefaultTracking()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), t); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return t, nil
}

// Validate validates the configuration.
func (t *Tracking) Validate() error {
	err := validation.ValidateStruct(t,
		validation.Field(&t.Model, validation.Required),
		validation.Field(&t.Exp, validation.Required),
		validation.Field(&t.Timestep, validation.Required, validation.Min(time.Minute)),
	)
	if err != nil {
		return err
	}
	if _, err := detect.FieldsFor(t.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := t.Paths.Validate(t.Detect.Orography); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := t.Detect.Validate(); err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if err := t.Stitch.Validate(); err != nil {
		return fmt.Errorf("stitch: %w", err)
	}
	if err := t.Extract.Validate(); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if err := t.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming: %w", err)
	}
	if t.Stitch.MaxGap > 0 && t.Stitch.MaxGap < t.Timestep {
		return errors.New("stitch: maxgap must not be shorter than timestep")
	}
	return nil
}

// Validate validates the paths; the orography file must exist when enabled.
func (c *PathsConfig) Validate(orography bool) error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Archive, validation.Required),
		validation.Field(&c.WorkDir, validation.Required),
		validation.Field(&c.OutDir, validation.Required),
		validation.Field(&c.Orography,
			validation.When(orography, validation.Required, validation.By(fileExists)),
		),
	)
}

// Validate validates the detection settings.
func (c *DetectConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.RegridFactor, validation.Min(1)),
		validation.Field(&c.MergeDist, validation.Min(0.0)),
		validation.Field(&c.ClosedContourPSL, validation.Required),
	); err != nil {
		return err
	}
	return c.Engine.Validate()
}

// Validate validates the stitching settings.
func (c *StitchConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.NDaysFreq, validation.Required, validation.Min(1)),
		validation.Field(&c.NDaysExt, validation.Min(0)),
		validation.Field(&c.Range, validation.Required, validation.Min(0.0)),
		validation.Field(&c.MinTime, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxGap, validation.Required),
	); err != nil {
		return err
	}
	for k, th := range c.Thresholds {
		err := validation.ValidateStruct(&th,
			validation.Field(&th.Var, validation.Required, validation.In("lon", "lat", "slp", "wind", "zs")),
			validation.Field(&th.Op, validation.Required, validation.In(">", ">=", "<", "<=", "=", "!=")),
			validation.Field(&th.Count, validation.Min(-1)),
		)
		if err != nil {
			return fmt.Errorf("thresholds[%d]: %w", k, err)
		}
	}
	return c.Engine.Validate()
}

// Validate validates the extraction settings.
func (c *ExtractConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Vars, validation.Required),
		validation.Field(&c.Delta, validation.Required, validation.Min(0.0)),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

// Validate validates the control loop settings.
func (c *StreamingConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.IdleTimeout, validation.When(c.Follow, validation.Required)),
		validation.Field(&c.CacheFiles, validation.Min(int64(1))),
	); err != nil {
		return err
	}
	if !c.End.IsZero() && !c.End.After(c.Start) {
		return errors.New("end must be after start")
	}
	return nil
}

// Validate validates an engine description.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Command, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

func fileExists(value any) error {
	path, _ := value.(string)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("orography file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("orography file %s is a directory", path)
	}
	return nil
}
