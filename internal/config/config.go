package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultModelURL points at the exported classifier artifact.
const DefaultModelURL = "https://drive.google.com/uc?id=15bQqvOX3rk3nXztosHgwJ0-Kdd36Wc2v"

type Config struct {
	Server struct {
		Host               string        `yaml:"host"`
		Port               int           `yaml:"port"`
		MaxMultipartMemory int64         `yaml:"maxMultipartMemory"`
		ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Model struct {
		Path         string `yaml:"path"`
		URL          string `yaml:"url"`
		MetadataPath string `yaml:"metadataPath"`
		ONNXLibPath  string `yaml:"onnxLibPath"`
	} `yaml:"model"`

	Paths struct {
		UploadDir   string `yaml:"uploadDir"`
		StaticDir   string `yaml:"staticDir"`
		TemplateDir string `yaml:"templateDir"`
	} `yaml:"paths"`

	Cache struct {
		RedisAddr string        `yaml:"redisAddr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"accessKey"`
		SecretKey string `yaml:"secretKey"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 5000
	cfg.Server.MaxMultipartMemory = 32 << 20
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Model.Path = "model.onnx"
	cfg.Model.URL = DefaultModelURL
	cfg.Paths.UploadDir = "static/uploads"
	cfg.Paths.StaticDir = "static"
	cfg.Cache.TTL = time.Hour
	cfg.LogLevel = "info"
	return cfg
}

// Load builds the configuration from defaults, then an optional YAML file at
// path, then the environment. A .env file in the working directory is merged
// into the environment first and never overrides variables already set, so
// the order is defaults < YAML < .env < process environment.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Model.Path) == "" {
		return errors.New("model path is required")
	}
	if strings.TrimSpace(c.Paths.UploadDir) == "" {
		return errors.New("upload dir is required")
	}
	if c.Server.MaxMultipartMemory <= 0 {
		return fmt.Errorf("invalid max multipart memory %d", c.Server.MaxMultipartMemory)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Host, "HOST")
	setString(&c.Model.Path, "MODEL_PATH")
	setString(&c.Model.URL, "MODEL_URL")
	setString(&c.Model.MetadataPath, "MODEL_METADATA_PATH")
	setString(&c.Model.ONNXLibPath, "ONNX_LIB_PATH")
	setString(&c.Paths.UploadDir, "UPLOAD_DIR")
	setString(&c.Paths.StaticDir, "STATIC_DIR")
	setString(&c.Paths.TemplateDir, "TEMPLATE_DIR")
	setString(&c.Cache.RedisAddr, "REDIS_ADDR")
	setString(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Minio.Region, "MINIO_REGION")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MAX_MULTIPART_MEMORY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse MAX_MULTIPART_MEMORY: %w", err)
		}
		c.Server.MaxMultipartMemory = n
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse MINIO_USE_SSL: %w", err)
		}
		c.Minio.UseSSL = b
	}
	if err := setDuration(&c.Cache.TTL, "CACHE_TTL"); err != nil {
		return err
	}
	return setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
