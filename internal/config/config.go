package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	LogFormat   string `mapstructure:"logFormat"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Admin struct {
		Token string `mapstructure:"token"` // static operator token; admin surface is disabled when empty
	} `mapstructure:"admin"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN" validate:"required"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Tenants struct {
		CSVPath             string `mapstructure:"csvPath" validate:"required"`
		DefaultFallbackLine string `mapstructure:"defaultFallbackLine" validate:"required"`
	} `mapstructure:"tenants"`
	Phone    PhoneConfig        `mapstructure:"phone"`
	Sessions SessionStoreConfig `mapstructure:"sessions"`
	Gateway  struct {
		BaseURL      string        `mapstructure:"baseURL" validate:"required,url"`
		ClientID     string        `mapstructure:"clientID"`
		ClientSecret string        `mapstructure:"clientSecret"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"gateway"`
	Agent struct {
		BaseURL string        `mapstructure:"baseURL" validate:"omitempty,url"`
		APIKey  string        `mapstructure:"apiKey"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"agent"`
	Invoicing struct {
		BaseURL  string        `mapstructure:"baseURL" validate:"omitempty,url"`
		APIToken string        `mapstructure:"apiToken"`
		Currency string        `mapstructure:"currency" validate:"required,len=3"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"invoicing"`
	Billing BillingConfig `mapstructure:"billing"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// PhoneConfig drives the normalization heuristic. The trunk list holds country
// codes recognized after a "00" international prefix; the default country code
// replaces a national leading "0" when the digit count matches the national length.
type PhoneConfig struct {
	DefaultCountryCode   string   `mapstructure:"defaultCountryCode" validate:"required,numeric"`
	NationalNumberLength int      `mapstructure:"nationalNumberLength" validate:"required,min=4,max=15"`
	TrunkCountryCodes    []string `mapstructure:"trunkCountryCodes" validate:"required,min=1,dive,numeric"`
}

// SessionStoreConfig selects and sizes the conversation-session store.
type SessionStoreConfig struct {
	Store         string        `mapstructure:"store" validate:"oneof=memory redis"`
	TTL           time.Duration `mapstructure:"ttl" validate:"required"`
	MaxEntries    int           `mapstructure:"maxEntries" validate:"min=0"` // memory store only; 0 disables the cap
	RedisAddr     string        `mapstructure:"redisAddr"`
	RedisPassword string        `mapstructure:"redisPassword"`
	RedisDB       int           `mapstructure:"redisDB"`
}

// PlanConfig is the allowance and pricing derived from a tenant plan.
type PlanConfig struct {
	IncludedMessages int64 `mapstructure:"includedMessages" validate:"min=0"`
	OverageUnitPrice int64 `mapstructure:"overageUnitPrice" validate:"min=0"` // smallest currency unit per extra message
}

// BillingConfig holds the plan catalog and reconciliation tuning.
type BillingConfig struct {
	Basic                PlanConfig `mapstructure:"basic"`
	Advanced             PlanConfig `mapstructure:"advanced"`
	ReconcileConcurrency int        `mapstructure:"reconcileConcurrency" validate:"min=1"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	// Create new viper instance
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("tenants.defaultFallbackLine",
		"Bedankt voor uw bericht. We nemen zo snel mogelijk contact met u op.")

	// Phone normalization defaults (Belgian deployment)
	v.SetDefault("phone.defaultCountryCode", "32")
	v.SetDefault("phone.nationalNumberLength", 10)
	v.SetDefault("phone.trunkCountryCodes", []string{"32", "31", "33", "49", "44"})

	// Session store defaults
	v.SetDefault("sessions.store", "memory")
	v.SetDefault("sessions.ttl", 720*time.Hour)
	v.SetDefault("sessions.maxEntries", 10000)

	// Collaborator defaults
	v.SetDefault("gateway.baseURL", "https://api.smsgatewayapi.com/v1")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("agent.timeout", 15*time.Second)
	v.SetDefault("invoicing.timeout", 10*time.Second)
	v.SetDefault("invoicing.currency", "EUR")

	// Billing defaults
	v.SetDefault("billing.basic.includedMessages", 200)
	v.SetDefault("billing.basic.overageUnitPrice", 19)
	v.SetDefault("billing.advanced.includedMessages", 1000)
	v.SetDefault("billing.advanced.overageUnitPrice", 12)
	v.SetDefault("billing.reconcileConcurrency", 4)

	// Config file settings
	v.SetConfigName("default") // name of config file (without extension)
	v.SetConfigType("yaml")    // REQUIRED if the config file does not have the extension in the name

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.sms-agent-relay")
	v.AddConfigPath("/etc/sms-agent-relay")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		v.Set("admin.token", token)
	}
	if path := os.Getenv("TENANTS_CSV_PATH"); path != "" {
		v.Set("tenants.csvPath", path)
	}
	if id := os.Getenv("GATEWAY_CLIENT_ID"); id != "" {
		v.Set("gateway.clientID", id)
	}
	if secret := os.Getenv("GATEWAY_CLIENT_SECRET"); secret != "" {
		v.Set("gateway.clientSecret", secret)
	}
	if key := os.Getenv("AGENT_API_KEY"); key != "" {
		v.Set("agent.apiKey", key)
	}
	if token := os.Getenv("INVOICING_API_TOKEN"); token != "" {
		v.Set("invoicing.apiToken", token)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("sessions.redisAddr", addr)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
