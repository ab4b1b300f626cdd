// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAppName    = "epsilon"
	DefaultConfigName = "config"
	DefaultEnvConfig  = "EPSILON_CONFIG"

	DefaultSensorCount        = 7
	DefaultFrequency          = 0.01 // seconds per frame
	DefaultSampleRate         = 200.0
	DefaultBeta               = 0.1
	DefaultCalibrationSamples = 1000
	DefaultServerData         = "0.0.0.0:5000"
	DefaultServerCtrl         = "0.0.0.0:5001"
	DefaultTransport          = "tcp"
	DefaultMetricsAddr        = ":9100"
	DefaultShutdownTimeout    = 2.0 // seconds
	DefaultMPU9250Address     = 0x68
)

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config", DefaultAppName, DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

var (
	ErrTooManyDevices    = errors.New("config contains too many devices")
	ErrNotEnoughDevices  = errors.New("config does not contain enough devices")
	ErrFrequencyIsZero   = errors.New("frequency cannot be zero")
	ErrNoServerAddress   = errors.New("config contains no server address to bind to")
	ErrInvalidTransport  = errors.New("unsupported transport")
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrConfigExists      = errors.New("configuration already exists")
)

// Device identifies one sensor: an I2C bus and address, or an SPI device
// and chip select pin when SPI is set.
type Device struct {
	Bus     int    `mapstructure:"bus" yaml:"bus"`
	Address uint16 `mapstructure:"address" yaml:"address"`
	SPI     string `mapstructure:"spi" yaml:"spi,omitempty"`
	CS      string `mapstructure:"cs" yaml:"cs,omitempty"`
}

type MQTTOpt struct {
	ClientID  string `mapstructure:"client_id" yaml:"client_id"`
	DataTopic string `mapstructure:"data_topic" yaml:"data_topic"`
	CtrlTopic string `mapstructure:"ctrl_topic" yaml:"ctrl_topic"`
	QoS       byte   `mapstructure:"qos" yaml:"qos"`
}

type SerialOpt struct {
	Baud uint `mapstructure:"baud" yaml:"baud"`
}

// Config holds all application configuration values.
type Config struct {
	Frequency  float64  `mapstructure:"frequency" yaml:"frequency"` // seconds per frame
	ServerData string   `mapstructure:"server_data" yaml:"server_data"`
	ServerCtrl string   `mapstructure:"server_ctrl" yaml:"server_ctrl"`
	Devices    []Device `mapstructure:"devices" yaml:"devices"`

	SensorCount        int     `mapstructure:"sensor_count" yaml:"sensor_count"`
	SampleRate         float64 `mapstructure:"sample_rate" yaml:"sample_rate"` // Hz, per sensor
	Beta               float64 `mapstructure:"beta" yaml:"beta"`
	CalibrationSamples int     `mapstructure:"calibration_samples" yaml:"calibration_samples"`

	// tcp, mqtt or websocket; the control side also accepts serial
	DataTransport string    `mapstructure:"data_transport" yaml:"data_transport"`
	CtrlTransport string    `mapstructure:"ctrl_transport" yaml:"ctrl_transport"`
	MQTT          MQTTOpt   `mapstructure:"mqtt" yaml:"mqtt"`
	Serial        SerialOpt `mapstructure:"serial" yaml:"serial"`

	MetricsAddr     string  `mapstructure:"metrics_addr" yaml:"metrics_addr"` // empty disables the web API
	Reconnect       bool    `mapstructure:"reconnect" yaml:"reconnect"`
	ShutdownTimeout float64 `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"` // seconds
	Mock            bool    `mapstructure:"mock" yaml:"mock"`
	Debug           bool    `mapstructure:"debug" yaml:"debug"`
}

// Default returns a valid configuration for seven MPU9250 sensors, one per
// I2C bus.
func Default() *Config {
	devices := make([]Device, 0, DefaultSensorCount)
	for i := 0; i < DefaultSensorCount; i++ {
		devices = append(devices, Device{Bus: i + 1, Address: DefaultMPU9250Address})
	}
	return &Config{
		Frequency:          DefaultFrequency,
		ServerData:         DefaultServerData,
		ServerCtrl:         DefaultServerCtrl,
		Devices:            devices,
		SensorCount:        DefaultSensorCount,
		SampleRate:         DefaultSampleRate,
		Beta:               DefaultBeta,
		CalibrationSamples: DefaultCalibrationSamples,
		DataTransport:      DefaultTransport,
		CtrlTransport:      DefaultTransport,
		MQTT: MQTTOpt{
			ClientID:  DefaultAppName + "-streamer",
			DataTopic: DefaultAppName + "/frames",
			CtrlTopic: DefaultAppName + "/control",
			QoS:       0,
		},
		Serial:          SerialOpt{Baud: 115200},
		MetricsAddr:     DefaultMetricsAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Period is the time between two frames.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Frequency * float64(time.Second))
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout * float64(time.Second))
}

func newViper() *viper.Viper {
	def := Default()
	v := viper.New()
	v.SetDefault("frequency", def.Frequency)
	v.SetDefault("server_data", def.ServerData)
	v.SetDefault("server_ctrl", def.ServerCtrl)
	v.SetDefault("sensor_count", def.SensorCount)
	v.SetDefault("sample_rate", def.SampleRate)
	v.SetDefault("beta", def.Beta)
	v.SetDefault("calibration_samples", def.CalibrationSamples)
	v.SetDefault("data_transport", def.DataTransport)
	v.SetDefault("ctrl_transport", def.CtrlTransport)
	v.SetDefault("mqtt.client_id", def.MQTT.ClientID)
	v.SetDefault("mqtt.data_topic", def.MQTT.DataTopic)
	v.SetDefault("mqtt.ctrl_topic", def.MQTT.CtrlTopic)
	v.SetDefault("mqtt.qos", def.MQTT.QoS)
	v.SetDefault("serial.baud", def.Serial.Baud)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("reconnect", false)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("mock", false)
	v.SetDefault("debug", false)

	v.SetEnvPrefix(DefaultAppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from configPath, or from the file named by
// EPSILON_CONFIG, or from the default search path, and validates it.
func Load(configPath string) (*Config, error) {
	return load(newViper(), configPath)
}

// Parse loads the configuration named by the command's --config flag and
// lets its --debug flag override the file.
func Parse(cmd *cobra.Command) (*Config, error) {
	v := newViper()
	if f := cmd.Flags().Lookup("debug"); f != nil {
		_ = v.BindPFlag("debug", f)
	}
	configPath, _ := cmd.Flags().GetString("config")
	return load(v, configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	explicit := true
	switch {
	case configPath != "":
		v.SetConfigFile(configPath)
	case os.Getenv(DefaultEnvConfig) != "":
		v.SetConfigFile(os.Getenv(DefaultEnvConfig))
	default:
		explicit = false
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigSearchPath0)
		v.AddConfigPath(DefaultConfigSearchPath1)
		v.AddConfigPath(DefaultConfigSearchPath2)
	}

	if err := v.ReadInConfig(); err == nil {
		log.Debugln("using config file:", v.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		log.Warnln(err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem that keeps the streamer from starting.
func (c *Config) Validate() error {
	switch {
	case len(c.Devices) > c.SensorCount:
		return fmt.Errorf("config invalid: %w: %d > %d", ErrTooManyDevices, len(c.Devices), c.SensorCount)
	case len(c.Devices) < c.SensorCount:
		return fmt.Errorf("config invalid: %w: %d < %d", ErrNotEnoughDevices, len(c.Devices), c.SensorCount)
	}
	if c.ServerData == "" || c.ServerCtrl == "" {
		return fmt.Errorf("config invalid: %w", ErrNoServerAddress)
	}
	if c.Frequency == 0 || math.IsNaN(c.Frequency) {
		return fmt.Errorf("config invalid: %w", ErrFrequencyIsZero)
	}
	if c.Frequency < 0 {
		return fmt.Errorf("config invalid: frequency must be positive, got %v", c.Frequency)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("config invalid: %w, got %v", ErrInvalidSampleRate, c.SampleRate)
	}

	switch c.DataTransport {
	case "tcp", "mqtt", "websocket":
	default:
		return fmt.Errorf("config invalid: %w for data: %q", ErrInvalidTransport, c.DataTransport)
	}
	switch c.CtrlTransport {
	case "tcp", "mqtt", "websocket", "serial":
	default:
		return fmt.Errorf("config invalid: %w for control: %q", ErrInvalidTransport, c.CtrlTransport)
	}
	return nil
}

// PostParse applies the logging level.
func (c *Config) PostParse() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Template renders the default configuration as yaml.
func Template() ([]byte, error) {
	return yaml.Marshal(Default())
}

// WriteTemplate writes the default configuration to outputPath, creating the
// parent directory. An existing file is kept unless overwrite is set.
func WriteTemplate(outputPath string, overwrite bool) error {
	buf, err := Template()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", path.Dir(outputPath), err)
	}
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, outputPath)
		}
	}
	if err := os.WriteFile(outputPath, buf, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", outputPath, err)
	}
	return nil
}

// globalConfig is set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// InitGlobal loads the process-wide configuration. Only the first call has
// an effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// SetGlobal installs an already parsed configuration as the process-wide one.
func SetGlobal(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = cfg
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
