// Package config loads the service configuration from defaults, an optional YAML file and environment
// variables, in increasing order of precedence.
//
// Every key can be set with an environment variable prefixed by MEDREPORT_, e.g. "model.dir" with
// MEDREPORT_MODEL_DIR. For compatibility with existing deployments MODEL_DIR, PORT and HF_TOKEN are
// also read.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables.
const EnvPrefix = "MEDREPORT"

// Config of the service.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Model      Model      `mapstructure:"model"`
	Generation Generation `mapstructure:"generation"`
}

// Server configures the HTTP boundary.
type Server struct {
	Addr           string        `mapstructure:"addr"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Model configures where the model is and how it runs.
type Model struct {
	// Dir holding the exported model: config.json, tokenizer files, ONNX encoder and decoder.
	Dir string `mapstructure:"dir"`

	// Repo is the HuggingFace Hub id from which Dir is populated if it holds no model. Empty disables
	// downloads.
	Repo                 string `mapstructure:"repo"`
	Endpoint             string `mapstructure:"endpoint"`
	Revision             string `mapstructure:"revision"`
	HFToken              string `mapstructure:"hf_token"`
	MaxParallelDownloads int    `mapstructure:"max_parallel_downloads"`

	Device         string `mapstructure:"device"`
	NumThreads     int    `mapstructure:"num_threads"`
	ONNXRuntimeLib string `mapstructure:"onnxruntime_lib"`

	// CheckWeights reads the .safetensors weights at startup and fails if any holds NaN/Inf values.
	CheckWeights bool `mapstructure:"check_weights"`
}

// Generation configures the beam search.
type Generation struct {
	MaxLength         int     `mapstructure:"max_length"`
	MinLength         int     `mapstructure:"min_length"`
	NumBeams          int     `mapstructure:"num_beams"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	LengthPenalty     float64 `mapstructure:"length_penalty"`
	EarlyStopping     bool    `mapstructure:"early_stopping"`
}

// ListenAddr returns the address the server listens on.
func (s Server) ListenAddr() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("server.max_upload_bytes", 20<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("model.dir", "models/best")
	v.SetDefault("model.repo", "")
	v.SetDefault("model.endpoint", "https://huggingface.co")
	v.SetDefault("model.revision", "main")
	v.SetDefault("model.hf_token", "")
	v.SetDefault("model.max_parallel_downloads", 4)
	v.SetDefault("model.device", "cpu")
	v.SetDefault("model.num_threads", 0)
	v.SetDefault("model.onnxruntime_lib", "")
	v.SetDefault("model.check_weights", false)

	v.SetDefault("generation.max_length", 64)
	v.SetDefault("generation.min_length", 0)
	v.SetDefault("generation.num_beams", 3)
	v.SetDefault("generation.repetition_penalty", 1.05)
	v.SetDefault("generation.length_penalty", 1.0)
	v.SetDefault("generation.early_stopping", true)
}

// Load the configuration. If path is empty, "medreport.yaml" is looked for in the current directory and
// in /etc/medreport, and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("medreport")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/medreport")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed variables of the original deployment. The prefixed ones take precedence.
	for key, env := range map[string]string{
		"model.dir":      "MODEL_DIR",
		"server.port":    "PORT",
		"model.hf_token": "HF_TOKEN",
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, errors.Wrapf(err, "binding %s", env)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading configuration file")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate the values that can't be checked by the components themselves.
func (c *Config) Validate() error {
	switch {
	case c.Model.Dir == "":
		return errors.New("model.dir must be set")
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return errors.Errorf("invalid server.port %d", c.Server.Port)
	case c.Server.RequestTimeout < 0:
		return errors.Errorf("invalid server.request_timeout %s", c.Server.RequestTimeout)
	case c.Server.MaxUploadBytes <= 0:
		return errors.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	return nil
}
