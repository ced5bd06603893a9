package boot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	EnvPrefix         = "TELEX_"
	ConfigFileEnv     = "TELEX_CONFIG_FILE"
	DefaultConfigFile = "/etc/telex/config.json"
)

type Config struct {
	Env          string `env:"ENV,default=dev"`
	NodeID       string `env:"NODE_ID,default=0001"`
	LocationCode string `env:"LOCATION_CODE,default=000"`
	MachineID    string `env:"MACHINE_ID,default=1"`

	ListenHost     string `env:"LISTEN_HOST,default=0.0.0.0"`
	ListenPort     int    `env:"LISTEN_PORT,default=8023"`
	MaxConnections int    `env:"MAX_CONNECTIONS,default=0"`
	MaxMessageSize int    `env:"MAX_MESSAGE_SIZE,default=65536"`

	MessageTTLHours int           `env:"MESSAGE_TTL_HOURS,default=72"`
	GCInterval      time.Duration `env:"GC_INTERVAL,default=60s"`

	DatabasePath string `env:"DATABASE_PATH,default=telex_data/messages.db"`
	DedupDBPath  string `env:"DEDUP_DB_PATH,default=telex_data/dedup.db"`
	DBMaxConns   int    `env:"DB_MAX_CONNS,default=4"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	AdminAddr   string `env:"ADMIN_ADDR,default=:8080"`
	MetricsAddr string `env:"METRICS_ADDR,default=:8081"`

	// ConfigFile is the JSON file the values were read from, if any.
	ConfigFile string
}

// Load reads .env, then the JSON config file named by TELEX_CONFIG_FILE, then
// TELEX_ prefixed environment variables. Environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	path := os.Getenv(ConfigFileEnv)
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return LoadFile(context.Background(), path, envconfig.OsLookuper())
}

// LoadFile builds a Config from env, an unprefixed lookuper such as
// envconfig.OsLookuper, falling back to the JSON file at path. An empty path
// skips the file.
func LoadFile(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	lookuper := envconfig.PrefixLookuper(EnvPrefix, env)
	if path != "" {
		file, err := fileLookuper(path)
		if err != nil {
			return nil, err
		}
		lookuper = envconfig.MultiLookuper(lookuper, file)
	}

	config := &Config{}
	if err := envconfig.ProcessWith(ctx, config, lookuper); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	config.ConfigFile = path

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// fileLookuper exposes the scalar values of a flat JSON object under the
// upper-cased key, so listen_port in the file answers LISTEN_PORT.
func fileLookuper(path string) (envconfig.Lookuper, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	values := map[string]interface{}{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	env := make(map[string]string, len(values))
	for key, value := range values {
		switch v := value.(type) {
		case string:
			env[strings.ToUpper(key)] = v
		case float64, bool:
			env[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return envconfig.MapLookuper(env), nil
}

func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return errors.New("node id must not be empty")
	case c.ListenPort < 0 || c.ListenPort > 65535:
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	case c.MaxConnections < 0:
		return fmt.Errorf("max connections must not be negative, got %d", c.MaxConnections)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	case c.MessageTTLHours <= 0:
		return fmt.Errorf("message ttl must be positive, got %d hours", c.MessageTTLHours)
	case c.GCInterval <= 0:
		return fmt.Errorf("gc interval must be positive, got %s", c.GCInterval)
	case c.DBMaxConns <= 0:
		return fmt.Errorf("db max conns must be positive, got %d", c.DBMaxConns)
	}
	return nil
}

func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLHours) * time.Hour
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}
