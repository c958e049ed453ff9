package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"
	"hcsgate/pkg/replay"
)

// Mode is the operating mode of the gate.
type Mode string

const (
	// Receiver validates remotes against the device table and drives the outputs.
	Receiver Mode = "receiver"
	// MITM retransmits a stored HCS101 identity for every valid rolling code press.
	MITM Mode = "mitm"
	// Grabber records unseen remotes and logs their frames.
	Grabber Mode = "grabber"
	// Emulator transmits stored remotes on request.
	Emulator Mode = "emulator"
)

// ErrInvalidConfig is returned for a config value out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config defines the struct of global config and the struct of the configuration file
type Config struct {
	Mode            Mode            `yaml:"mode"`
	MasterKeyString string          `yaml:"masterkey"`
	MasterKey       uint64          `yaml:"-"`
	Database        string          `yaml:"database"`
	PollInt         int             `yaml:"poll"`
	Poll            time.Duration   `yaml:"-"`
	GPIO            GPIOConfig      `yaml:"gpio"`
	Window          WindowConfig    `yaml:"window"`
	TX              TXConfig        `yaml:"tx"`
	Flag            FlagConfig      `yaml:"-"`
	Debug           DebugConfig     `yaml:"debug"`
	Webserver       WebserverConfig `yaml:"webserver"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
}

// FlagConfig defines the configured flags (parameters)
type FlagConfig struct {
	Version    bool
	Debug      string
	ConfigFile string
}

// GPIOConfig defines the BCM numbers of the lines.
type GPIOConfig struct {
	Chip    string     `yaml:"chip"`
	Bias    string     `yaml:"bias"`
	RX      int        `yaml:"rx"`
	TX      int        `yaml:"tx"`
	Outputs []int      `yaml:"outputs"`
	Prog    ProgConfig `yaml:"prog"`
}

// ProgConfig defines the lines of the chip programmer.
type ProgConfig struct {
	Data int `yaml:"data"`
	Clk  int `yaml:"clk"`
	S0S1 int `yaml:"s0s1"`
	S3   int `yaml:"s3"`
}

// WindowConfig defines the replay windows.
type WindowConfig struct {
	Normal uint16 `yaml:"normal"`
	Resync uint16 `yaml:"resync"`
	Enroll uint16 `yaml:"enroll"`
}

// TXConfig defines the retransmission of the mitm and emulator modes.
type TXConfig struct {
	Preamble int           `yaml:"preamble"`
	GuardInt int           `yaml:"guard"`
	Guard    time.Duration `yaml:"-"`
	Bursts   int           `yaml:"bursts"`
	PauseInt int           `yaml:"pause"`
	Pause    time.Duration `yaml:"-"`
}

// WebserverConfig defines the struct of the webserver and webservice configuration and configuration file
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines the struct of the mqtt client configuration and configuration file
type MQTTConfig struct {
	Connection string `yaml:"connection"`
	ClientID   string `yaml:"clientid"`
	Topic      string `yaml:"topic"`
}

// DebugConfig defines the struct of the debug configuration and configuration file
type DebugConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

func NewConfig() *Config {
	return &Config{
		Mode:     Receiver,
		Database: "/opt/womat/data/hcsgate",
		PollInt:  10,
		GPIO: GPIOConfig{
			Chip:    "gpiochip0",
			Bias:    "none",
			RX:      17,
			TX:      18,
			Outputs: []int{22, 23, 24, 25},
			Prog:    ProgConfig{Data: 5, Clk: 6, S0S1: 13, S3: 19},
		},
		Window: WindowConfig{
			Normal: replay.Normal,
			Resync: replay.Resync,
			Enroll: replay.Enroll,
		},
		TX: TXConfig{
			Preamble: 23,
			GuardInt: 15000,
			Bursts:   3,
			PauseInt: 50,
		},
		Flag: FlagConfig{},
		Debug: DebugConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version": true,
				"health":  true,
				"metrics": true,
				"devices": true,
				"log":     true,
				"enroll":  true,
				"program": true,
			},
		},
		MQTT: MQTTConfig{
			Connection: "tcp://127.0.0.1:1883",
			ClientID:   "hcsgate",
			Topic:      "/hcsgate/key",
		},
	}
}

func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.Debug != "" {
		c.Debug.FlagString = c.Flag.Debug
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to open debug file %q: %w", c.Debug.FileString, err)
	}

	return c.convert()
}

// convert checks the read values and fills the derived fields.
func (c *Config) convert() error {
	switch c.Mode {
	case Receiver, MITM, Grabber, Emulator:
	default:
		return fmt.Errorf("mode %q: %w", c.Mode, ErrInvalidConfig)
	}

	if c.MasterKeyString != "" {
		k, err := strconv.ParseUint(c.MasterKeyString, 16, 64)
		if err != nil {
			return fmt.Errorf("masterkey %q: %w", c.MasterKeyString, ErrInvalidConfig)
		}
		c.MasterKey = k
	}

	if len(c.GPIO.Outputs) != 4 {
		return fmt.Errorf("gpio outputs %v, 4 lines expected: %w", c.GPIO.Outputs, ErrInvalidConfig)
	}

	if c.TX.Bursts < 1 {
		return fmt.Errorf("tx bursts %d: %w", c.TX.Bursts, ErrInvalidConfig)
	}

	c.Poll = time.Duration(c.PollInt) * time.Millisecond
	c.TX.Guard = time.Duration(c.TX.GuardInt) * time.Microsecond
	c.TX.Pause = time.Duration(c.TX.PauseInt) * time.Millisecond

	return nil
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) setDebugConfig() (err error) {
	// defines Debug section of global.Config
	switch c.Debug.FlagString {
	case "trace", "full":
		c.Debug.Flag = debug.Full
	case "debug":
		c.Debug.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard":
		c.Debug.Flag = debug.Standard
	}

	switch c.Debug.FileString {
	case "stderr":
		c.Debug.File = os.Stderr
	case "stdout":
		c.Debug.File = os.Stdout
	default:
		if c.Debug.File, err = os.OpenFile(c.Debug.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}
