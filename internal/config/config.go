package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Search   SearchConfig   `mapstructure:"search"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Events   EventsConfig   `mapstructure:"events"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	User            string        `mapstructure:"user" validate:"required"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname" validate:"required"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" validate:"omitempty,oneof=silent error warn info"`
}

// DSN returns the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Enabled reports whether a redis host is configured.
func (c RedisConfig) Enabled() bool { return c.Host != "" }

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket" validate:"required_with=Endpoint"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" validate:"required,min=16"`
	Issuer string `mapstructure:"issuer"`
}

// EngineConfig 工作流引擎
type EngineConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"omitempty,url"`
	TokenURL     string        `mapstructure:"token_url" validate:"omitempty,url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// CallbackToken authenticates job-completion callbacks from the engine.
	CallbackToken string `mapstructure:"callback_token" validate:"required_with=BaseURL"`
	// Process ids started for each reviewable entity type.
	DocumentProcess string `mapstructure:"document_process"`
	ChangeProcess   string `mapstructure:"change_process"`
}

// SearchConfig weaviate 检索副本
type SearchConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme" validate:"omitempty,oneof=http https"`
}

// GraphConfig neo4j 图副本
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// FanoutConfig 副本同步参数
type FanoutConfig struct {
	Async            bool          `mapstructure:"async"`
	Workers          int           `mapstructure:"workers" validate:"min=0"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RateLimit        float64       `mapstructure:"rate_limit" validate:"min=0"`
	Burst            int           `mapstructure:"burst"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type EventsConfig struct {
	Channel string `mapstructure:"channel"`
	// Relay subscribes to Channel and feeds the local SSE hub.
	Relay bool `mapstructure:"relay"`
}

type TasksConfig struct {
	OverdueInterval time.Duration `mapstructure:"overdue_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

func Load() (*Config, error) {
	// .env 只补充未设置的环境变量
	_ = godotenv.Load()

	v := viper.New()

	// 设置配置文件
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if path := os.Getenv("PDM_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags once at startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "nimo")
	v.SetDefault("database.dbname", "nimo_pdm")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 10*time.Minute)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("jwt.issuer", "nimo-pdm")

	v.SetDefault("engine.timeout", 10*time.Second)
	v.SetDefault("engine.document_process", "document-review")
	v.SetDefault("engine.change_process", "change-review")

	v.SetDefault("search.scheme", "http")
	v.SetDefault("graph.database", "neo4j")

	v.SetDefault("fanout.workers", 16)
	v.SetDefault("fanout.timeout", 5*time.Second)
	v.SetDefault("fanout.breaker_threshold", 5)
	v.SetDefault("fanout.breaker_window", 30*time.Second)
	v.SetDefault("fanout.breaker_cooldown", 30*time.Second)

	v.SetDefault("events.channel", "pdm:events")
	v.SetDefault("tasks.overdue_interval", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func bindEnvVariables(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// MinIO
	v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("minio.bucket", "MINIO_BUCKET")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Workflow engine
	v.BindEnv("engine.base_url", "ENGINE_BASE_URL")
	v.BindEnv("engine.token_url", "ENGINE_TOKEN_URL")
	v.BindEnv("engine.client_id", "ENGINE_CLIENT_ID")
	v.BindEnv("engine.client_secret", "ENGINE_CLIENT_SECRET")
	v.BindEnv("engine.callback_token", "ENGINE_CALLBACK_TOKEN")

	// Secondary stores
	v.BindEnv("search.host", "WEAVIATE_HOST")
	v.BindEnv("graph.uri", "NEO4J_URI")
	v.BindEnv("graph.user", "NEO4J_USER")
	v.BindEnv("graph.password", "NEO4J_PASSWORD")

	v.BindEnv("fanout.async", "FANOUT_ASYNC")
}
