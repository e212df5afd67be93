package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`
	Schema      string `yaml:"schema"`
	TableName   string `yaml:"table_name"`

	LLMProvider   string `yaml:"llm_provider"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	DefaultModel  string `yaml:"default_model"`

	DefaultQueryLimit int           `yaml:"default_query_limit"`
	MaxQueryLimit     int           `yaml:"max_query_limit"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`

	CORSOrigins string `yaml:"cors_origins"`

	JWTSecret        string `yaml:"jwt_secret"`
	JWTAlgorithm     string `yaml:"jwt_algorithm"`
	JWTExpireMinutes int    `yaml:"jwt_expire_minutes"`

	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

func Default() Config {
	return Config{
		ListenAddr:        "0.0.0.0:8001",
		DatabaseURL:       "sqlite3://sqlagent.db",
		Schema:            "public",
		TableName:         "dev_diamond2",
		LLMProvider:       "openai",
		DefaultModel:      "gpt-4o-mini",
		DefaultQueryLimit: 200,
		MaxQueryLimit:     1000,
		QueryTimeout:      30 * time.Second,
		CORSOrigins:       "*",
		JWTSecret:         "dev_secret",
		JWTAlgorithm:      "HS256",
		JWTExpireMinutes:  60,
		LogLevel:          "info",
		LogDir:            "logs",
		RateLimitRPS:      5,
		RateLimitBurst:    10,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, the optional dotenv file at envFile and finally the process
// environment. Empty paths are skipped; a missing dotenv file is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"LISTEN_ADDR":     &c.ListenAddr,
		"DATABASE_URL":    &c.DatabaseURL,
		"SCHEMA":          &c.Schema,
		"TABLE_NAME":      &c.TableName,
		"LLM_PROVIDER":    &c.LLMProvider,
		"OPENAI_API_KEY":  &c.OpenAIAPIKey,
		"OPENAI_BASE_URL": &c.OpenAIBaseURL,
		"DEFAULT_MODEL":   &c.DefaultModel,
		"CORS_ORIGINS":    &c.CORSOrigins,
		"JWT_SECRET":      &c.JWTSecret,
		"JWT_ALGORITHM":   &c.JWTAlgorithm,
		"LOG_LEVEL":       &c.LogLevel,
		"LOG_DIR":         &c.LogDir,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DEFAULT_QUERY_LIMIT": &c.DefaultQueryLimit,
		"MAX_QUERY_LIMIT":     &c.MaxQueryLimit,
		"JWT_EXPIRE_MINUTES":  &c.JWTExpireMinutes,
		"RATE_LIMIT_BURST":    &c.RateLimitBurst,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}

	if v, ok := lookup("RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		c.RateLimitRPS = f
	}

	if v, ok := lookup("QUERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid QUERY_TIMEOUT %q: %w", v, err)
		}
		c.QueryTimeout = d
	}

	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be used unquoted as a schema or
// table name.
func ValidIdentifier(s string) bool {
	return len(s) <= 63 && identRe.MatchString(s)
}

func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address is empty")
	case strings.TrimSpace(c.TableName) == "":
		return errors.New("TABLE_NAME is empty")
	case !ValidIdentifier(c.TableName):
		return fmt.Errorf("TABLE_NAME %q is not a plain identifier", c.TableName)
	case !ValidIdentifier(c.Schema):
		return fmt.Errorf("SCHEMA %q is not a plain identifier", c.Schema)
	case c.DefaultQueryLimit < 1:
		return fmt.Errorf("DEFAULT_QUERY_LIMIT must be positive, got %d", c.DefaultQueryLimit)
	case c.MaxQueryLimit < c.DefaultQueryLimit:
		return fmt.Errorf("MAX_QUERY_LIMIT (%d) is below DEFAULT_QUERY_LIMIT (%d)", c.MaxQueryLimit, c.DefaultQueryLimit)
	case c.JWTExpireMinutes < 1:
		return fmt.Errorf("JWT_EXPIRE_MINUTES must be positive, got %d", c.JWTExpireMinutes)
	}

	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWTAlgorithm)
	}

	return nil
}

// Origins splits CORSOrigins into trimmed, non-empty entries.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c Config) QualifiedTable() string {
	return c.Schema + "." + c.TableName
}
