package cmd

import (
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/delivery-engine/internal/accounts"
	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
)

const (
	app = "delivery-engine"

	defaultListen = ":8080"
	defaultServer = "http://127.0.0.1:8080"
)

type Config struct {
	Listen       string              `mapstructure:"listen"`
	AllowOrigins string              `mapstructure:"allow-origins"`
	Delivery     *config.Delivery    `mapstructure:"delivery"`
	Source       *SourceConfig       `mapstructure:"source"`
	Storage      *StorageConfig      `mapstructure:"storage"`
	Greeting     *GreetingConfig     `mapstructure:"greeting"`
	Scheduler    *SchedulerConfig    `mapstructure:"scheduler"`
	Verification *VerificationConfig `mapstructure:"verification"`
	Events       *EventsConfig       `mapstructure:"events"`
}

// SourceConfig points at the platform gateway.
type SourceConfig struct {
	URL       string `mapstructure:"url"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token-file"`
	UserAgent string `mapstructure:"user-agent"`
}

// StorageConfig selects the record store. Driver is memory, sqlite or postgres.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type GreetingConfig struct {
	// Provider is static, gemini or openai.
	Provider  string        `mapstructure:"provider"`
	Candidate string        `mapstructure:"candidate"`
	Template  string        `mapstructure:"template"`
	Gemini    *GeminiConfig `mapstructure:"gemini"`
	OpenAI    *OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKeyFile string `mapstructure:"api-key-file"`
	Model      string `mapstructure:"model"`
	MaxRetries int    `mapstructure:"max-retries"`
}

type OpenAIConfig struct {
	APIKeyFile string `mapstructure:"api-key-file"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base-url"`
}

type SchedulerConfig struct {
	ApplyTimeout          time.Duration `mapstructure:"apply-timeout"`
	MaxVerificationRounds int           `mapstructure:"max-verification-rounds"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown-timeout"`
	// DisabledFilters names filter steps every account skips.
	DisabledFilters []string `mapstructure:"disabled-filters"`
}

type VerificationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type EventsConfig struct {
	QueueSize int                    `mapstructure:"queue-size"`
	Valkey    *broadcast.RelayConfig `mapstructure:"valkey"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "delivery-engine applies to matching job postings on a schedule and reports progress live",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	envs := map[string]string{
		"source.token-file":            "DELIVERY_SOURCE_TOKEN_FILE",
		"greeting.gemini.api-key-file": "GEMINI_API_KEY_FILE",
		"greeting.openai.api-key-file": "OPENAI_API_KEY_FILE",
		"storage.dsn":                  "DELIVERY_STORAGE_DSN",
		"server":                       "DELIVERY_SERVER",
	}
	for key, env := range envs {
		if err := viper.BindEnv(key, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is delivery-engine.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("server", defaultServer, "address of a running server, used by client commands")
	rootCmd.PersistentFlags().StringP("account", "a", accounts.DefaultAccount, "account to act on")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func initConfig() {
	// A missing .env is normal. Anything else means a broken file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	// Only serve reads the config file. Client commands talk to a server.
	if serveCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without an explicit file the server can run on env and defaults.
		if cfgFile == "" && errors.As(err, &notFound) {
			return
		}
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	defaults := config.Default()
	cfg := &Config{
		Listen:       defaultListen,
		Delivery:     &defaults,
		Source:       &SourceConfig{},
		Storage:      &StorageConfig{Driver: "sqlite", DSN: app + ".db"},
		Greeting:     &GreetingConfig{Provider: "static"},
		Scheduler:    &SchedulerConfig{ShutdownTimeout: 30 * time.Second},
		Verification: &VerificationConfig{},
		Events:       &EventsConfig{},
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
