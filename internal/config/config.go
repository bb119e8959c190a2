package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию сервиса получения рыночных данных
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Security  SecurityConfig
	Providers ProvidersConfig
	Registry  RegistryConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера админского API
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД (таблица api_keys)
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - 32 байта для AES-256-GCM шифрования секретов ключей в БД
	EncryptionKey string
	// AdminPasswordHash - bcrypt hash пароля для админских endpoints
	AdminPasswordHash string
}

// ProviderConfig - конфигурация одного провайдера
type ProviderConfig struct {
	// DefaultDailyQuota - дневная квота по умолчанию для новых ключей (0 = без лимита)
	DefaultDailyQuota int
	// FallbackKeys - статические ключи из окружения, используются когда
	// в БД нет доступных ключей. Ротация round-robin.
	FallbackKeys []string
}

// ProvidersConfig - настройки цепочки провайдеров
type ProvidersConfig struct {
	TwelveData   ProviderConfig
	AlphaVantage ProviderConfig
	Binance      ProviderConfig

	// RequestTimeout - фиксированный таймаут одного upstream запроса
	RequestTimeout time.Duration
	// RetryAttempts - число попыток на один ключ/провайдер
	RetryAttempts int
	// RetryDelay - фиксированная задержка между попытками
	RetryDelay time.Duration
	// DefaultBackoff - на сколько помечать ключ упавшим по умолчанию
	DefaultBackoff time.Duration
}

// RegistryConfig - настройки реестра источников данных
type RegistryConfig struct {
	// HealthInterval - период фонового цикла восстановления здоровья
	HealthInterval time.Duration
	// QueueInterval - период обработчика очереди запросов
	QueueInterval time.Duration
	// DisableDuration - длительность ручного отключения источника по умолчанию
	DisableDuration time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "marketdata"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
			AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		Providers: ProvidersConfig{
			TwelveData: ProviderConfig{
				DefaultDailyQuota: getEnvAsInt("TWELVEDATA_DAILY_QUOTA", 800),
				FallbackKeys:      getEnvAsList("TWELVEDATA_FALLBACK_KEYS"),
			},
			AlphaVantage: ProviderConfig{
				DefaultDailyQuota: getEnvAsInt("ALPHAVANTAGE_DAILY_QUOTA", 25),
				FallbackKeys:      getEnvAsList("ALPHAVANTAGE_FALLBACK_KEYS"),
			},
			Binance: ProviderConfig{
				// Публичные endpoint'ы binance работают без ключа,
				// квота имеет смысл только для приватных ключей
				DefaultDailyQuota: getEnvAsInt("BINANCE_DAILY_QUOTA", 0),
				FallbackKeys:      getEnvAsList("BINANCE_FALLBACK_KEYS"),
			},
			RequestTimeout: getEnvAsDuration("PROVIDER_REQUEST_TIMEOUT", 5*time.Second),
			RetryAttempts:  getEnvAsInt("PROVIDER_RETRY_ATTEMPTS", 3),
			RetryDelay:     getEnvAsDuration("PROVIDER_RETRY_DELAY", 500*time.Millisecond),
			DefaultBackoff: getEnvAsDuration("KEY_DEFAULT_BACKOFF", 24*time.Hour),
		},
		Registry: RegistryConfig{
			HealthInterval:  getEnvAsDuration("REGISTRY_HEALTH_INTERVAL", 60*time.Second),
			QueueInterval:   getEnvAsDuration("REGISTRY_QUEUE_INTERVAL", 100*time.Millisecond),
			DisableDuration: getEnvAsDuration("REGISTRY_DISABLE_DURATION", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен: секреты API ключей хранятся в БД зашифрованными
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.Security.EncryptionKey))
	}

	return nil
}

// validateRanges проверяет числовые диапазоны
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be in range 1-65535, got %d", c.Server.Port)
	}

	if c.Providers.RequestTimeout <= 0 {
		return fmt.Errorf("PROVIDER_REQUEST_TIMEOUT must be positive")
	}

	if c.Providers.RetryAttempts < 1 || c.Providers.RetryAttempts > 10 {
		return fmt.Errorf("PROVIDER_RETRY_ATTEMPTS must be in range 1-10, got %d", c.Providers.RetryAttempts)
	}

	if c.Registry.QueueInterval <= 0 || c.Registry.HealthInterval <= 0 {
		return fmt.Errorf("registry intervals must be positive")
	}

	return nil
}

// Provider возвращает конфигурацию провайдера по имени
func (c *ProvidersConfig) Provider(name string) ProviderConfig {
	switch strings.ToLower(name) {
	case "twelvedata":
		return c.TwelveData
	case "alphavantage":
		return c.AlphaVantage
	case "binance":
		return c.Binance
	default:
		return ProviderConfig{}
	}
}

// DSN строит строку подключения к PostgreSQL
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// ============ Хелперы для чтения переменных окружения ============

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val, exists := os.LookupEnv(key); exists {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvAsList читает список значений, разделённых запятыми.
// Пустые элементы отбрасываются.
func getEnvAsList(key string) []string {
	val, exists := os.LookupEnv(key)
	if !exists || val == "" {
		return nil
	}

	var result []string
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
