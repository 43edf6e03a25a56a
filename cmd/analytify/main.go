package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"analytify/internal/app"
	"analytify/internal/config"
)

var (
	configPath string
	verbose    bool

	current *app.App
)

var rootCmd = &cobra.Command{
	Use:   "analytify",
	Short: "GA4 connection, reporting and email summaries for a single site",
	Long: `Analytify connects a site to Google Analytics 4.

It keeps the OAuth token fresh, binds GA4 properties and web data streams,
caches Data API reports and mails weekly or monthly summaries.`,
	Version: "1.0.0",
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage global configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set configuration values",
	Long: `Set OAuth credentials, site identity and email settings.
Only the flags that are passed are changed.`,
	Run: configSetCmdHandler,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run:   configShowCmdHandler,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.analytify/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)

	configSetCmd.Flags().String("client-id", "", "Google OAuth client ID")
	configSetCmd.Flags().String("client-secret", "", "Google OAuth client secret")
	configSetCmd.Flags().String("redirect-url", "", "OAuth redirect URL")
	configSetCmd.Flags().String("site-url", "", "site URL used for stream names")
	configSetCmd.Flags().String("site-name", "", "site name shown in emails")
	configSetCmd.Flags().String("sendgrid-key", "", "SendGrid API key")
	configSetCmd.Flags().String("from-email", "", "sender address")
	configSetCmd.Flags().String("from-name", "", "sender name")
	configSetCmd.Flags().String("recipients", "", "comma-separated summary recipients")
	configSetCmd.Flags().String("admin-email", "", "address notified on token failure")
	configSetCmd.Flags().String("admin-key", "", "key required by the admin server")
	configSetCmd.Flags().String("week-day", "", "weekly summary day, e.g. Monday")
	configSetCmd.Flags().Int("month-day", 0, "monthly summary day, 1-31")
	configSetCmd.Flags().Bool("email-disabled", false, "disable scheduled summaries")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

func loadConfig() (*config.AppConfig, error) {
	if configPath != "" {
		return config.LoadConfigFile(configPath)
	}
	return config.LoadConfig()
}

// openApp loads the configuration and wires the application once per process
func openApp() *app.App {
	if current != nil {
		return current
	}

	cfg, err := loadConfig()
	if err != nil {
		fatal("Failed to load configuration: %v", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		fatal("Failed to initialize: %v", err)
	}
	current = a
	return a
}

func closeApp() {
	if current == nil {
		return
	}
	if err := current.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
	current = nil
}

// fatal closes the store before exiting, os.Exit skips deferred calls
func fatal(format string, args ...interface{}) {
	closeApp()
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func timeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// Command implementations
func configSetCmdHandler(cmd *cobra.Command, args []string) {
	fmt.Println("🔧 Updating configuration...")

	cfg, err := loadConfig()
	if err != nil {
		fatal("Failed to load configuration: %v", err)
	}

	flags := cmd.Flags()
	changed := 0
	setString := func(name string, dst *string) {
		if !flags.Changed(name) {
			return
		}
		value, _ := flags.GetString(name)
		*dst = strings.TrimSpace(value)
		changed++
	}

	setString("client-id", &cfg.ClientID)
	setString("client-secret", &cfg.ClientSecret)
	setString("redirect-url", &cfg.RedirectURL)
	setString("site-url", &cfg.Site.URL)
	setString("site-name", &cfg.Site.Name)
	setString("sendgrid-key", &cfg.Email.SendGridAPIKey)
	setString("from-email", &cfg.Email.FromEmail)
	setString("from-name", &cfg.Email.FromName)
	setString("admin-email", &cfg.Email.AdminEmail)
	setString("admin-key", &cfg.Server.AdminKey)
	setString("week-day", &cfg.Email.WeekDay)

	if flags.Changed("recipients") {
		raw, _ := flags.GetString("recipients")
		cfg.Email.Recipients = config.ParseRecipients(raw)
		changed++
	}
	if flags.Changed("month-day") {
		day, _ := flags.GetInt("month-day")
		if day < 1 || day > 31 {
			fatal("month-day must be between 1 and 31")
		}
		cfg.Email.MonthDay = day
		changed++
	}
	if flags.Changed("email-disabled") {
		cfg.Email.Disabled, _ = flags.GetBool("email-disabled")
		changed++
	}

	if changed == 0 {
		fmt.Println("❌ Nothing to change")
		fmt.Println("💡 Run 'analytify config set --help' to see the available settings")
		return
	}

	path, err := resolveConfigPath()
	if err != nil {
		fatal("%v", err)
	}
	if configPath == "" {
		if err := config.EnsureConfigDir(); err != nil {
			fatal("Failed to create config directory: %v", err)
		}
	}
	if err := config.SaveConfigFile(path, cfg); err != nil {
		fatal("Failed to save configuration: %v", err)
	}

	fmt.Printf("✅ %d setting(s) saved\n", changed)
	fmt.Printf("📁 Config file: %s\n", path)
	if cfg.HasClientCredentials() {
		fmt.Println("🚀 Run 'analytify auth login' to connect Google Analytics")
	}
}

func configShowCmdHandler(cmd *cobra.Command, args []string) {
	fmt.Println("📋 Current Analytify Configuration:")
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		fatal("Failed to load configuration: %v", err)
	}

	path, _ := resolveConfigPath()
	fmt.Printf("📁 Config Location: %s\n", path)
	dbPath, _ := cfg.DBPath()
	fmt.Printf("💾 Storage: %s\n", dbPath)
	fmt.Println()

	if cfg.HasClientCredentials() {
		fmt.Printf("🔑 OAuth Client ID: %s (configured)\n", mask(cfg.ClientID))
		fmt.Println("🔐 OAuth Client Secret: [HIDDEN] (configured)")
	} else {
		fmt.Println("❌ OAuth credentials: Not configured")
		fmt.Println()
		fmt.Println("💡 Run 'analytify config set --client-id <id> --client-secret <secret>' to configure")
	}

	fmt.Println()
	fmt.Printf("🌐 Site: %s (%s)\n", valueOr(cfg.Site.Name, "unnamed"), valueOr(cfg.Site.URL, "no URL"))

	fmt.Println()
	if cfg.Email.Disabled {
		fmt.Println("📭 Email summaries: disabled")
	} else {
		fmt.Printf("📬 Email summaries: weekly on %s, monthly on day %d\n", cfg.Email.WeekDay, cfg.Email.MonthDay)
	}
	fmt.Printf("👥 Recipients: %d\n", len(cfg.Email.Recipients))
	for _, r := range cfg.Email.Recipients {
		if r.Name != "" {
			fmt.Printf("   • %s <%s>\n", r.Name, r.Email)
		} else {
			fmt.Printf("   • %s\n", r.Email)
		}
	}
	if cfg.Email.SendGridAPIKey != "" {
		fmt.Println("✉️  SendGrid: [HIDDEN] (configured)")
	} else {
		fmt.Println("✉️  SendGrid: Not configured")
	}
	fmt.Printf("🚨 Token failure notice: %t (%s)\n", cfg.Email.NotifyTokenFailure, valueOr(cfg.Email.AdminEmail, "no admin email"))

	fmt.Println()
	fmt.Printf("🖥️  Admin server: %s\n", cfg.Server.Addr)
	fmt.Printf("📅 Created: %s\n", cfg.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("🔄 Updated: %s\n", cfg.UpdatedAt.Format("2006-01-02 15:04:05"))
}

// Helper functions
func mask(s string) string {
	if len(s) <= 16 {
		return strings.Repeat("*", len(s))
	}
	return s[:12] + "..." + s[len(s)-4:]
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
