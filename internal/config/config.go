package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	FlyAPIToken   string `yaml:"flyAPIToken"`
	FlyAppName    string `yaml:"flyAppName"`
	FlyAPIBaseURL string `yaml:"flyAPIBaseURL"`
	MachineImage  string `yaml:"machineImage"`
	MachineSecret string `yaml:"machineSecret"`
	BackendURL    string `yaml:"backendURL"`

	MachineReadyRetries    int    `yaml:"machineReadyRetries"`
	MachineReadyDelay      string `yaml:"machineReadyDelay"`
	MessageHistoryLimit    int    `yaml:"messageHistoryLimit"`
	MessageRateLimitPerMin int    `yaml:"messageRateLimitPerMinute"`
	SignupBonusCredits     int    `yaml:"signupBonusCredits"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("FLY_API_TOKEN"); v != "" {
		cfg.FlyAPIToken = v
	}
	if v := os.Getenv("FLY_APP_NAME"); v != "" {
		cfg.FlyAppName = v
	}
	if v := os.Getenv("MACHINE_IMAGE"); v != "" {
		cfg.MachineImage = v
	}
	if v := os.Getenv("MACHINE_SECRET"); v != "" {
		cfg.MachineSecret = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MessageRateLimitPerMin = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.FlyAPIToken == "" {
		return errors.New("config: flyAPIToken is required (set in config.yaml or FLY_API_TOKEN)")
	}
	if cfg.FlyAppName == "" {
		return errors.New("config: flyAppName is required (set in config.yaml)")
	}
	if cfg.MachineImage == "" {
		return errors.New("config: machineImage is required (set in config.yaml)")
	}
	if cfg.MachineSecret == "" {
		return errors.New("config: machineSecret is required (set in config.yaml or MACHINE_SECRET)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.MessageRateLimitPerMin > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when message rate limiting is enabled")
	}
	if cfg.MachineReadyRetries < 0 {
		return errors.New("config: machineReadyRetries must be >= 0")
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio endpoint set but access key, secret key, or bucket missing")
		}
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseReadyDelay parses the optional machine boot poll interval.
func ParseReadyDelay(delayStr string) (time.Duration, error) {
	if delayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(delayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid machineReadyDelay duration: %w", err)
	}
	return dur, nil
}
