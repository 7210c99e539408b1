package anchor

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	LogLevel string         `mapstructure:"logLevel" yaml:"logLevel"`
	Camera   CameraConfig   `mapstructure:"camera" yaml:"camera"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Detector DetectorConfig `mapstructure:"detector" yaml:"detector"`
	MQTT     MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
}

// CameraConfig points at the calibration artifact and sets the marker geometry.
type CameraConfig struct {
	CalibrationFile string  `mapstructure:"calibrationFile" yaml:"calibrationFile"`
	MarkerSize      float64 `mapstructure:"markerSize" yaml:"markerSize"` // side length, same unit as the anchor points
}

// StoreConfig locates the anchor store.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DetectorConfig selects where marker detections come from. Topic takes
// precedence over ReplayFile.
type DetectorConfig struct {
	Topic      string `mapstructure:"topic" yaml:"topic,omitempty"`
	ReplayFile string `mapstructure:"replayFile" yaml:"replayFile,omitempty"`
	// FrameBuffer is the number of frames queued from MQTT before old ones are dropped.
	FrameBuffer int `mapstructure:"frameBuffer" yaml:"frameBuffer"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `mapstructure:"broker" yaml:"broker,omitempty"`
	PublishPrefix string `mapstructure:"publishPrefix" yaml:"publishPrefix"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	Username      string `mapstructure:"username" yaml:"username,omitempty"`
	Password      string `mapstructure:"password" yaml:"password,omitempty"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("camera.calibrationFile", DefaultCalibrationPath)
	v.SetDefault("camera.markerSize", DefaultMarkerSize)
	v.SetDefault("store.path", DefaultStorePath)
	v.SetDefault("detector.frameBuffer", 4)
	v.SetDefault("mqtt.publishPrefix", "anchormesh")
	v.SetDefault("mqtt.clientId", "anchormesh")
	v.SetDefault("http.port", 8080)
}

func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"logLevel":               "LOG_LEVEL",
		"camera.calibrationFile": "ANCHOR_CALIBRATION_FILE",
		"camera.markerSize":      "ANCHOR_MARKER_SIZE",
		"store.path":             "ANCHOR_STORE_PATH",
		"detector.topic":         "ANCHOR_DETECTOR_TOPIC",
		"mqtt.broker":            "MQTT_BROKER",
		"mqtt.clientId":          "MQTT_CLIENT_ID",
		"mqtt.username":          "MQTT_USERNAME",
		"mqtt.password":          "MQTT_PASSWORD",
		"mqtt.publishPrefix":     "MQTT_PUBLISH_PREFIX",
		"http.port":              "HTTP_PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}
	return nil
}

// DefaultConfig returns the built-in defaults with environment overrides applied.
func DefaultConfig() (*Config, error) {
	return LoadConfig("")
}

// LoadConfig loads the configuration from a YAML file. An empty path uses
// defaults only. Environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Camera.MarkerSize <= 0 {
		return fmt.Errorf("camera.markerSize must be positive, got %g", c.Camera.MarkerSize)
	}
	if c.Camera.CalibrationFile == "" {
		return fmt.Errorf("camera.calibrationFile is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Detector.FrameBuffer < 1 {
		return fmt.Errorf("detector.frameBuffer must be at least 1, got %d", c.Detector.FrameBuffer)
	}
	if c.Detector.Topic != "" && c.MQTT.Broker == "" {
		return fmt.Errorf("detector.topic requires mqtt.broker")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
