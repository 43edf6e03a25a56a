package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	ConfigDirName  = ".analytify"
	ConfigFileName = "config.yaml"
	DBFileName     = "analytify.db"
	EnvPrefix      = "ANALYTIFY"
)

// GetConfigDir returns the path to the config directory (~/.analytify).
// ANALYTIFY_HOME overrides the location.
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ConfigDirName), nil
}

// GetConfigPath returns the full path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	// user read/write/execute only
	return os.MkdirAll(configDir, 0700)
}

// Default returns the configuration used when no file exists
func Default() *AppConfig {
	now := time.Now()
	return &AppConfig{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{
			DefaultTTL: time.Hour,
			StreamTTL:  30 * time.Minute,
			ReportTTL:  24 * time.Hour,
		},
		API: APIConfig{
			RequestsPerSecond: 5,
			MaxPages:          10,
		},
		Email: EmailConfig{
			WeekDay:            "Monday",
			MonthDay:           1,
			NotifyTokenFailure: true,
		},
		Server:    ServerConfig{Addr: "127.0.0.1:8089"},
		Throttle:  ThrottleConfig{Window: time.Hour},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LoadConfig reads ~/.analytify/config.yaml with ANALYTIFY_* environment overrides
func LoadConfig() (*AppConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFile(configPath)
}

// LoadConfigFile reads configuration from an explicit path. A missing file
// yields the defaults, still subject to environment overrides.
func LoadConfigFile(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	var cfg AppConfig
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		recipientsHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Email.Recipients = cfg.Email.Recipients.Normalize()

	return &cfg, nil
}

// SaveConfig writes the configuration to ~/.analytify/config.yaml
func SaveConfig(config *AppConfig) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveConfigFile(configPath, config)
}

// SaveConfigFile writes the configuration to an explicit path
func SaveConfigFile(path string, config *AppConfig) error {
	config.UpdatedAt = time.Now()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = config.UpdatedAt
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// user read/write only, the file carries OAuth and mail secrets
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SetClientCredentials sets the OAuth client ID and secret in global config
func SetClientCredentials(clientID, clientSecret string) error {
	config, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	config.ClientID = clientID
	config.ClientSecret = clientSecret

	if err := SaveConfig(config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// HasClientCredentials checks if OAuth credentials are configured
func (c *AppConfig) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// DBPath resolves the storage path, defaulting into the config directory
func (c *AppConfig) DBPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DBFileName), nil
}

// setDefaults registers every key with viper so environment overrides apply
// even when the key is absent from the file.
func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("client_id", d.ClientID)
	v.SetDefault("client_secret", d.ClientSecret)
	v.SetDefault("redirect_url", d.RedirectURL)
	v.SetDefault("site.url", d.Site.URL)
	v.SetDefault("site.name", d.Site.Name)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.stream_ttl", d.Cache.StreamTTL)
	v.SetDefault("cache.report_ttl", d.Cache.ReportTTL)
	v.SetDefault("api.admin_base_url", d.API.AdminBaseURL)
	v.SetDefault("api.data_base_url", d.API.DataBaseURL)
	v.SetDefault("api.token_url", d.API.TokenURL)
	v.SetDefault("api.requests_per_second", d.API.RequestsPerSecond)
	v.SetDefault("api.max_pages", d.API.MaxPages)
	v.SetDefault("email.disabled", d.Email.Disabled)
	v.SetDefault("email.from_name", d.Email.FromName)
	v.SetDefault("email.from_email", d.Email.FromEmail)
	v.SetDefault("email.sendgrid_api_key", d.Email.SendGridAPIKey)
	v.SetDefault("email.week_day", d.Email.WeekDay)
	v.SetDefault("email.month_day", d.Email.MonthDay)
	v.SetDefault("email.notify_token_failure", d.Email.NotifyTokenFailure)
	v.SetDefault("email.admin_email", d.Email.AdminEmail)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.admin_key", d.Server.AdminKey)
	v.SetDefault("throttle.window", d.Throttle.Window)
	v.SetDefault("created_at", d.CreatedAt)
	v.SetDefault("updated_at", d.UpdatedAt)
}

var recipientsType = reflect.TypeOf(Recipients{})

// recipientsHook accepts either "a@x.com, Name <b@y.com>" or a list whose
// entries are addresses or {name, email} maps.
func recipientsHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != recipientsType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseRecipients(v), nil
		case []interface{}:
			out := Recipients{}
			for _, item := range v {
				switch entry := item.(type) {
				case string:
					out = append(out, ParseRecipients(entry)...)
				case map[string]interface{}:
					r := Recipient{}
					if name, ok := entry["name"].(string); ok {
						r.Name = name
					}
					if email, ok := entry["email"].(string); ok {
						r.Email = email
					}
					out = append(out, r)
				default:
					return nil, fmt.Errorf("unsupported recipient entry %T", item)
				}
			}
			return out, nil
		}
		return data, nil
	}
}
