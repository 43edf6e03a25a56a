package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"analytify/internal/api"
	"analytify/internal/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Google OAuth connection",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Print the Google consent URL",
	Run:   authLoginCmdHandler,
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange <code>",
	Short: "Exchange an authorization code for a token",
	Args:  cobra.ExactArgs(1),
	Run:   authExchangeCmdHandler,
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a token refresh",
	Run:   authRefreshCmdHandler,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show token status",
	Run:   authStatusCmdHandler,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection, binding and storage status",
	Run:   statusCmdHandler,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every stored setting, token and cache entry",
	Run:   resetCmdHandler,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin server and the email scheduler",
	Long: `Run the admin HTTP server (OAuth callback, status, reports, metrics)
and check the email calendar on an interval.`,
	Run: serveCmdHandler,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authExchangeCmd)
	authCmd.AddCommand(authRefreshCmd)
	authCmd.AddCommand(authStatusCmd)

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("yes", false, "skip confirmation")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
	serveCmd.Flags().Duration("interval", 24*time.Hour, "email calendar check interval")
	serveCmd.Flags().Bool("no-scheduler", false, "serve without scheduled emails")
}

func authLoginCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	if !a.Config.HasClientCredentials() {
		fatal("OAuth credentials are not configured\n💡 Run 'analytify config set --client-id <id> --client-secret <secret>'")
	}
	ctx, cancel := timeout(10 * time.Second)
	defer cancel()
	loginURL, err := a.Auth.LoginURL(ctx)
	if err != nil {
		fatal("failed to start login: %v", err)
	}

	fmt.Println("🔗 Open this URL to grant Google Analytics access:")
	fmt.Println()
	fmt.Println(loginURL)
	fmt.Println()
	fmt.Println("💡 Then run 'analytify auth exchange <code>' with the returned code,")
	fmt.Println("   or let 'analytify serve' receive it on /oauth/callback")
}

func authExchangeCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	code := strings.TrimSpace(args[0])
	if code == "" {
		fatal("authorization code cannot be empty")
	}

	fmt.Println("🔄 Exchanging authorization code...")
	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	rec, err := a.Auth.Exchange(ctx, code)
	if err != nil {
		fatal("Exchange failed: %v", err)
	}

	fmt.Println("✅ Google Analytics connected")
	if rec.RefreshToken == "" {
		fmt.Println("⚠️  No refresh token returned, access ends when the token expires")
		fmt.Println("💡 Revoke access in your Google account and log in again to get one")
	}
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		fmt.Printf("⏰ Access token expires: %s\n", exp.Format("2006-01-02 15:04:05"))
	}
}

func authRefreshCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	rec, found, err := a.Auth.Tokens().Get(ctx)
	if err != nil {
		fatal("Failed to read token: %v", err)
	}
	if !found || rec.RefreshToken == "" {
		fatal("No refresh token stored\n💡 Run 'analytify auth login' first")
	}

	fmt.Println("🔄 Refreshing access token...")
	rec, err = a.Auth.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		fatal("Refresh failed: %v", err)
	}
	fmt.Printf("✅ Token refreshed, expires %s\n", rec.ExpiresAt().Format("2006-01-02 15:04:05"))
}

func authStatusCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	ctx, cancel := timeout(10 * time.Second)
	defer cancel()

	st, err := a.Auth.Status(ctx)
	if err != nil {
		fatal("Failed to read token status: %v", err)
	}
	printTokenStatus(st)
}

func printTokenStatus(st api.TokenStatus) {
	switch {
	case !st.HasToken:
		fmt.Println("❌ Not connected")
		fmt.Println("💡 Run 'analytify auth login' to connect")
		return
	case st.Valid:
		fmt.Println("✅ Access token valid")
	default:
		fmt.Println("⏳ Access token expired, refreshed on next use")
	}
	if !st.ExpiresAt.IsZero() {
		fmt.Printf("⏰ Expires: %s\n", st.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("🔁 Refresh token: %t\n", st.HasRefreshToken)
	if st.PendingCode {
		fmt.Println("📨 Authorization code pending exchange")
	}
	if st.FailureNotified {
		fmt.Println("🚨 Failure notice already sent for the current outage")
	}
}

func statusCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	asJSON, _ := cmd.Flags().GetBool("json")
	ctx, cancel := timeout(10 * time.Second)
	defer cancel()

	st, err := a.Status(ctx)
	if err != nil {
		fatal("Failed to read status: %v", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fatal("%v", err)
		}
		return
	}

	fmt.Println("📊 Analytify Status:")
	fmt.Println()
	printTokenStatus(st.Token)
	fmt.Println()
	printBinding("🎯 Tracking", st.Tracking)
	printBinding("📈 Reporting", st.Reporting)

	if st.LastException != nil {
		e := st.LastException
		fmt.Println()
		fmt.Printf("⚠️  Last provider error (%s): %s %s\n", e.At.Format("2006-01-02 15:04:05"), e.Op, e.Kind)
		if e.Reason != "" {
			fmt.Printf("   Reason: %s\n", e.Reason)
		}
		if e.Message != "" {
			fmt.Printf("   %s\n", e.Message)
		}
	}

	if st.Store != nil {
		fmt.Println()
		fmt.Printf("💾 Store: %d entries, %.1f%% hit rate\n", st.Store.Entries, st.Store.HitRate)
	}
}

func printBinding(label string, b *config.PropertyBinding) {
	if b == nil {
		fmt.Printf("%s: not configured\n", label)
		return
	}
	fmt.Printf("%s: property %s, stream %s\n", label, b.PropertyID, b.MeasurementID)
	if b.URL != "" {
		fmt.Printf("   🌐 %s\n", b.URL)
	}
}

func resetCmdHandler(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		fmt.Print("⚠️  This deletes the token, property bindings, cache and every stored setting. Continue? (y/N): ")
		confirm, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(confirm)) != "y" {
			fmt.Println("❌ Reset cancelled")
			return
		}
	}

	a := openApp()
	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	n, err := a.Reset(ctx)
	if err != nil {
		fatal("Reset failed: %v", err)
	}
	fmt.Printf("🧹 Deleted %d stored entries\n", n)
	fmt.Println("💡 Run 'analytify auth login' to reconnect")
}

func serveCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	if a.Config.Server.AdminKey == "" {
		fmt.Println("⚠️  No admin key configured, /admin and /reports are unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noScheduler {
		a.Scheduler.Start(ctx, interval)
	}

	fmt.Printf("🚀 Admin server listening on %s\n", addr)
	if err := a.Server().Run(ctx, addr); err != nil {
		fatal("%v", err)
	}
	fmt.Println("👋 Stopped")
}
