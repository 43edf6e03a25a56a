package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"analytify/internal/property"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Discover GA4 accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accessible GA4 accounts",
	Run:   accountsListCmdHandler,
}

var accountsTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show accounts with their properties",
	Run:   accountsTreeCmdHandler,
}

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "Discover GA4 properties",
}

var propertiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List properties of an account",
	Run:   propertiesListCmdHandler,
}

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List and bind web data streams",
}

var streamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List web data streams of a property",
	Run:   streamsListCmdHandler,
}

var streamsSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Reuse or create this site's stream and bind it",
	Long: `Find the web data stream named after the site URL, creating it when
absent, and bind it for tracking or reporting.`,
	Run: streamsSetupCmdHandler,
}

var streamsSelectCmd = &cobra.Command{
	Use:   "select",
	Short: "Bind an existing stream by measurement ID",
	Run:   streamsSelectCmdHandler,
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Print the Measurement Protocol secret of the tracking stream",
	Run:   secretCmdHandler,
}

var dimensionsCmd = &cobra.Command{
	Use:   "dimensions",
	Short: "Manage required custom dimensions",
}

var dimensionsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create missing custom dimensions",
	Run:   dimensionsSyncCmdHandler,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsTreeCmd)

	rootCmd.AddCommand(propertiesCmd)
	propertiesCmd.AddCommand(propertiesListCmd)
	propertiesListCmd.Flags().String("account", "", "account ID (required)")
	propertiesListCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(streamsCmd)
	streamsCmd.AddCommand(streamsListCmd)
	streamsCmd.AddCommand(streamsSetupCmd)
	streamsCmd.AddCommand(streamsSelectCmd)

	streamsListCmd.Flags().String("property", "", "property ID (required)")
	streamsListCmd.Flags().Bool("refresh", false, "bypass the stream cache")
	streamsListCmd.MarkFlagRequired("property")

	streamsSetupCmd.Flags().String("property", "", "property ID (required)")
	streamsSetupCmd.Flags().String("mode", "tracking", "binding mode: tracking or reporting")
	streamsSetupCmd.MarkFlagRequired("property")

	streamsSelectCmd.Flags().String("property", "", "property ID (required)")
	streamsSelectCmd.Flags().String("measurement-id", "", "stream measurement ID, e.g. G-XXXX (required)")
	streamsSelectCmd.Flags().String("mode", "reporting", "binding mode: tracking or reporting")
	streamsSelectCmd.MarkFlagRequired("property")
	streamsSelectCmd.MarkFlagRequired("measurement-id")

	rootCmd.AddCommand(secretCmd)

	rootCmd.AddCommand(dimensionsCmd)
	dimensionsCmd.AddCommand(dimensionsSyncCmd)
	dimensionsSyncCmd.Flags().String("property", "", "property ID (default: tracking property)")
}

func accountsListCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	fmt.Println("🏢 Listing GA4 accounts...")

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	accounts, err := a.Admin.ListAccounts(ctx)
	if err != nil {
		fatal("Failed to list accounts: %v", err)
	}
	if len(accounts) == 0 {
		fmt.Println("❌ No GA4 accounts found")
		fmt.Println("💡 Ensure the connected Google user has GA4 read permissions")
		return
	}

	fmt.Printf("📊 Found %d account(s):\n\n", len(accounts))
	for i, account := range accounts {
		fmt.Printf("🏢 %s (ID: %s)\n", account.DisplayName, account.ID)
		fmt.Printf("   🌍 Region: %s\n", account.RegionCode)
		fmt.Printf("   📅 Created: %s\n", account.CreateTime.Format("2006-01-02"))
		if i < len(accounts)-1 {
			fmt.Println()
		}
	}

	fmt.Println("\n💡 Use 'analytify accounts tree' for hierarchical view")
}

func accountsTreeCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	fmt.Println("🌳 GA4 Account & Property Tree:")
	fmt.Println()

	ctx, cancel := timeout(60 * time.Second)
	defer cancel()

	accounts, err := a.Admin.ListAccountsWithProperties(ctx)
	if err != nil {
		fatal("Failed to list accounts: %v", err)
	}
	if len(accounts) == 0 {
		fmt.Println("❌ No GA4 accounts found")
		return
	}

	for i, account := range accounts {
		last := i == len(accounts)-1
		prefix, child := "├── ", "│   "
		if last {
			prefix, child = "└── ", "    "
		}

		fmt.Printf("%s🏢 %s (ID: %s)\n", prefix, account.DisplayName, account.ID)
		if len(account.Properties) == 0 {
			fmt.Printf("%s   📭 No properties found\n", child)
		}
		for j, prop := range account.Properties {
			propPrefix := "├── "
			if j == len(account.Properties)-1 {
				propPrefix = "└── "
			}
			fmt.Printf("%s   %s📊 %s (ID: %s)\n", child, propPrefix, prop.DisplayName, prop.ID)
			fmt.Printf("%s      💰 %s • 🌍 %s\n", child, prop.CurrencyCode, prop.TimeZone)
		}
		if !last {
			fmt.Println()
		}
	}

	fmt.Println()
	fmt.Printf("🎯 Total: %d account(s) discovered\n", len(accounts))
	fmt.Println("💡 Use 'analytify streams list --property <id>' to see data streams")
}

func propertiesListCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	accountID, _ := cmd.Flags().GetString("account")
	fmt.Printf("🏠 Listing GA4 properties for account %s...\n", accountID)

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	props, err := a.Admin.ListProperties(ctx, accountID)
	if err != nil {
		fatal("Failed to list properties: %v", err)
	}
	if len(props) == 0 {
		fmt.Println("❌ No properties found")
		return
	}

	fmt.Printf("📊 Found %d propert(y/ies):\n\n", len(props))
	for _, prop := range props {
		fmt.Printf("📊 %s (ID: %s)\n", prop.DisplayName, prop.ID)
		fmt.Printf("   💰 %s • 🌍 %s • 📅 %s\n", prop.CurrencyCode, prop.TimeZone, prop.CreateTime.Format("2006-01-02"))
	}
}

func streamsListCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	propertyID, _ := cmd.Flags().GetString("property")
	refresh, _ := cmd.Flags().GetBool("refresh")

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	streams, err := a.Properties.Streams(ctx, propertyID, refresh)
	if err != nil {
		fatal("Failed to list streams: %v", err)
	}
	if len(streams) == 0 {
		fmt.Println("📭 No web data streams")
		fmt.Printf("💡 Run 'analytify streams setup --property %s' to create one\n", propertyID)
		return
	}

	ours := a.Properties.StreamDisplayName()
	fmt.Printf("🌊 %d web data stream(s) on property %s:\n\n", len(streams), propertyID)
	for _, s := range streams {
		marker := "  "
		if s.DisplayName == ours {
			marker = "⭐"
		}
		fmt.Printf("%s %s (%s)\n", marker, s.DisplayName, s.MeasurementID)
		if s.DefaultURI != "" {
			fmt.Printf("   🌐 %s\n", s.DefaultURI)
		}
	}
}

func streamsSetupCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	propertyID, _ := cmd.Flags().GetString("property")
	mode := mustMode(cmd)

	fmt.Printf("🔧 Setting up %s stream on property %s...\n", mode, propertyID)
	ctx, cancel := timeout(90 * time.Second)
	defer cancel()

	b, err := a.Properties.SetupStream(ctx, mode, propertyID)
	if err != nil {
		fatal("Stream setup failed: %v", err)
	}
	fmt.Printf("✅ Bound %s stream %s\n", mode, b.MeasurementID)
	fmt.Printf("📁 %s\n", b.FullName)
}

func streamsSelectCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	propertyID, _ := cmd.Flags().GetString("property")
	measurementID, _ := cmd.Flags().GetString("measurement-id")
	mode := mustMode(cmd)

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	b, err := a.Properties.SelectStream(ctx, mode, propertyID, measurementID)
	if err != nil {
		fatal("Stream selection failed: %v", err)
	}
	fmt.Printf("✅ Bound %s stream %s on property %s\n", mode, b.MeasurementID, b.PropertyID)
}

func mustMode(cmd *cobra.Command) property.Mode {
	raw, _ := cmd.Flags().GetString("mode")
	mode, err := property.ParseMode(raw)
	if err != nil {
		fatal("%v", err)
	}
	return mode
}

func secretCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	secret, err := a.Properties.MPSecret(ctx)
	if err != nil {
		fatal("Failed to get Measurement Protocol secret: %v", err)
	}
	fmt.Fprintln(os.Stdout, secret)
}

func dimensionsSyncCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	propertyID, _ := cmd.Flags().GetString("property")

	ctx, cancel := timeout(5 * time.Minute)
	defer cancel()

	if propertyID == "" {
		b, found, err := a.Properties.Binding(ctx, property.Tracking)
		if err != nil {
			fatal("%v", err)
		}
		if !found {
			fatal("No tracking property bound\n💡 Pass --property or run 'analytify streams setup' first")
		}
		propertyID = b.PropertyID
	}

	fmt.Printf("🧩 Syncing custom dimensions on property %s...\n", propertyID)
	res, err := a.Properties.EnsureDimensions(ctx, propertyID)
	if err != nil {
		fatal("Dimension sync failed: %v", err)
	}

	fmt.Printf("✅ Created: %d\n", len(res.Created))
	for _, name := range res.Created {
		fmt.Printf("   • %s\n", name)
	}
	fmt.Printf("📌 Already present: %d\n", len(res.Existed))
	if len(res.Skipped) > 0 {
		fmt.Printf("⏭️  Skipped (property limit reached): %d\n", len(res.Skipped))
	}
	if len(res.Failed) > 0 {
		fmt.Printf("❌ Failed: %d\n", len(res.Failed))
		for _, name := range res.Failed {
			fmt.Printf("   • %s\n", name)
		}
	}
}
