// Package cfg loads the bench configuration: which instruments are attached
// where, the power supply sweep and the InfluxDB export.
package cfg

import (
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gotmc/benchlab"
	"github.com/gotmc/benchlab/lib/psu"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Timeout          time.Duration    `yaml:"Timeout"`
	GPIBAdapter      GPIBAdapter      `yaml:"GPIBAdapter"`
	PowerSupply      InstrumentConfig `yaml:"PowerSupply"`
	Oscilloscope     InstrumentConfig `yaml:"Oscilloscope"`
	SpectrumAnalyzer InstrumentConfig `yaml:"SpectrumAnalyzer"`
	Chamber          InstrumentConfig `yaml:"Chamber"`
	Sweep            Sweep            `yaml:"Sweep"`
	Influx           Influx           `yaml:"Influx"`
}

// GPIBAdapter is the Prologix adapter GPIB resources are reached through.
type GPIBAdapter struct {
	Address string `yaml:"Address"` // serial device or host[:port]
	AR488   bool   `yaml:"AR488"`
}

type InstrumentConfig struct {
	Resource   string        `yaml:"Resource"`
	Timeout    time.Duration `yaml:"Timeout"`
	Mock       bool          `yaml:"Mock"`
	Transcript bool          `yaml:"Transcript"`
}

type Sweep struct {
	Channel       int             `yaml:"Channel"`
	Voltages      []float64       `yaml:"Voltages"`
	Currents      []float64       `yaml:"Currents"`
	Dwells        []time.Duration `yaml:"Dwells"`
	DatalogPeriod time.Duration   `yaml:"DatalogPeriod"`
	LogFile       string          `yaml:"LogFile"`
	PollInterval  time.Duration   `yaml:"PollInterval"`
	PollAttempts  int             `yaml:"PollAttempts"`
}

type Influx struct {
	Enabled  bool   `yaml:"Enabled"`
	URL      string `yaml:"URL"`
	APIToken string `yaml:"APIToken"`
	Org      string `yaml:"Org"`
	Bucket   string `yaml:"Bucket"`
	SkipTLS  bool   `yaml:"SkipTLS"`
}

const (
	DefaultTimeout       = 5 * time.Second
	DefaultDatalogPeriod = 200 * time.Millisecond
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultPollAttempts  = 10
	DefaultLogFile       = `Internal:\log1.csv`
)

var configFileName = "benchlab.yaml"

// InitConfig reads benchlab.yaml from the application data directory.
func InitConfig() (*Config, error) {
	return Load(filepath.Join(btcutil.AppDataDir("benchlab", false), configFileName))
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Parse decodes a YAML configuration, fills in defaults and validates it.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.GPIBAdapter.Address == "" {
		c.GPIBAdapter.Address = benchlab.DefaultGPIBAdapter
	}
	for _, ic := range c.instruments() {
		if ic.Timeout == 0 {
			ic.Timeout = c.Timeout
		}
	}
	s := &c.Sweep
	if s.Channel == 0 {
		s.Channel = 1
	}
	if s.DatalogPeriod == 0 {
		s.DatalogPeriod = DefaultDatalogPeriod
	}
	if s.LogFile == "" {
		s.LogFile = DefaultLogFile
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.PollAttempts == 0 {
		s.PollAttempts = DefaultPollAttempts
	}
}

func (c *Config) instruments() map[string]*InstrumentConfig {
	return map[string]*InstrumentConfig{
		"PowerSupply":      &c.PowerSupply,
		"Oscilloscope":     &c.Oscilloscope,
		"SpectrumAnalyzer": &c.SpectrumAnalyzer,
		"Chamber":          &c.Chamber,
	}
}

// Validate checks resource names, the sweep and the Influx settings.
func (c *Config) Validate() error {
	for name, ic := range c.instruments() {
		if ic.Mock || ic.Resource == "" {
			continue
		}
		if _, err := benchlab.ParseResource(ic.Resource); err != nil {
			return errors.Wrap(err, name)
		}
	}
	if len(c.Sweep.Voltages) > 0 {
		lc, err := c.Sweep.ListConfig()
		if err != nil {
			return err
		}
		if c.Sweep.DatalogPeriod > lc.Duration() {
			return errors.Wrapf(psu.ErrDatalogPeriod, "Sweep: DatalogPeriod %s", c.Sweep.DatalogPeriod)
		}
	}
	if c.Influx.Enabled {
		switch {
		case c.Influx.URL == "":
			return errors.New("Influx: URL required")
		case c.Influx.Org == "":
			return errors.New("Influx: Org required")
		case c.Influx.Bucket == "":
			return errors.New("Influx: Bucket required")
		}
	}
	return nil
}

// Options returns the session options for the instrument.
func (ic InstrumentConfig) Options(a GPIBAdapter, l zerolog.Logger) []benchlab.Option {
	opts := []benchlab.Option{
		benchlab.WithTimeout(ic.Timeout),
		benchlab.WithLogger(l),
	}
	if a.Address != "" {
		opts = append(opts, benchlab.WithGPIBAdapter(a.Address))
	}
	if a.AR488 {
		opts = append(opts, benchlab.WithGPIBOptions(benchlab.WithAR488()))
	}
	if ic.Transcript {
		opts = append(opts, benchlab.WithTranscript())
	}
	return opts
}

// ListConfig returns the sweep as a power supply list.
func (s Sweep) ListConfig() (psu.ListConfig, error) {
	lc := psu.ListConfig{Voltages: s.Voltages, Currents: s.Currents, Dwells: s.Dwells}
	n := len(lc.Voltages)
	if n == 0 || len(lc.Currents) != n || len(lc.Dwells) != n {
		return lc, errors.Wrapf(psu.ErrListLength, "Sweep: %d Voltages, %d Currents, %d Dwells",
			len(lc.Voltages), len(lc.Currents), len(lc.Dwells))
	}
	return lc, nil
}

// PowerSupplyOptions returns the driver options the sweep sets.
func (s Sweep) PowerSupplyOptions() []psu.Option {
	return []psu.Option{
		psu.WithChannel(s.Channel),
		psu.WithPoll(s.PollInterval, s.PollAttempts),
	}
}
