package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port string `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	Panel struct {
		// Mode: xui — реальная панель, memory — панель в памяти для
		// разработки и тестов
		Mode            string        `mapstructure:"mode"`
		BaseURL         string        `mapstructure:"baseUrl"`
		Username        string        `mapstructure:"username"`
		Password        string        `mapstructure:"password"`
		Timeout         time.Duration `mapstructure:"timeout"`
		SessionLifetime time.Duration `mapstructure:"sessionLifetime"`
	} `mapstructure:"panel"`
	Stripe struct {
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"stripe"`
	Sweep struct {
		Interval         time.Duration `mapstructure:"interval"`
		BatchSize        int           `mapstructure:"batchSize"`
		MaxBatches       int           `mapstructure:"maxBatches"`
		NamespaceWorkers int           `mapstructure:"namespaceWorkers"`
		UpdateWorkers    int           `mapstructure:"updateWorkers"`
	} `mapstructure:"sweep"`
	Limits struct {
		MinDevices int `mapstructure:"minDevices"`
		MaxDevices int `mapstructure:"maxDevices"`
	} `mapstructure:"limits"`
	Promo struct {
		Cooldown     time.Duration `mapstructure:"cooldown"`
		TermsVersion int           `mapstructure:"termsVersion"`
	} `mapstructure:"promo"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		err := godotenv.Load(path)
		if err != nil {
			return nil, err
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	viper.SetDefault("app.port", "8080")
	viper.SetDefault("panel.mode", "memory")
	viper.SetDefault("panel.timeout", 15*time.Second)
	viper.SetDefault("panel.sessionLifetime", 55*time.Minute)
	viper.SetDefault("sweep.interval", time.Minute)
	viper.SetDefault("sweep.batchSize", 100)
	viper.SetDefault("sweep.maxBatches", 10)
	viper.SetDefault("sweep.namespaceWorkers", 2)
	viper.SetDefault("sweep.updateWorkers", 10)
	viper.SetDefault("limits.minDevices", 1)
	viper.SetDefault("limits.maxDevices", 10)
	viper.SetDefault("promo.cooldown", time.Hour)
	viper.SetDefault("promo.termsVersion", 1)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
