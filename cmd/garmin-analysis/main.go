package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/analysis"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/daemon"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/history"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/watermark"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "garmin-analysis",
	Short: "garmin-analysis - Garmin activity analysis for an Obsidian vault",
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch for new activities and append analyses to daily notes",
	RunE:  runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one poll, analyze, write cycle and exit",
	RunE:  runOnce,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, watermark and recent cycles",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and the prompt template",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(daemonCmd, runCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run(context.Background())
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Shutdown()

	rec, err := d.Scheduler().RunCycle(context.Background())
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}

	switch rec.State {
	case history.StateNoNew:
		fmt.Println("No new activities since the last check.")
	case history.StateOK:
		fmt.Printf("Done: %s\n", rec.Summary)
		fmt.Printf("Note: %s\n", rec.NotePath)
	default:
		return fmt.Errorf("cycle failed (%s): %s", rec.ErrorKind, rec.Summary)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Vault: %s\n", cfg.Vault.Path)
	fmt.Printf("Daily note: %s\n", cfg.Vault.DailyNotePath)
	fmt.Printf("Poll interval: %dm\n", cfg.Poll.IntervalMinutes)
	fmt.Printf("Adapter: %s\n", cfg.Adapter.Command)
	fmt.Printf("Model: %s\n", cfg.Analysis.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Telegram.Enabled)

	wm, err := watermark.NewStore(cfg.WatermarkPath()).Load()
	switch {
	case err != nil:
		fmt.Printf("Watermark: unreadable (%v)\n", err)
	case wm.IsZero():
		fmt.Println("Watermark: none (no cycle has completed yet)")
	default:
		fmt.Printf("Last checked: %s\n", wm.LastCheckedAt.Format(time.RFC3339))
	}

	printRecentCycles(cfg)
	return nil
}

func printRecentCycles(cfg *config.Config) {
	// Opening the history store would create it; status stays read-only.
	if _, err := os.Stat(cfg.HistoryPath()); err != nil {
		return
	}
	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		fmt.Printf("History: unreadable (%v)\n", err)
		return
	}
	defer hist.Close()

	recs, err := hist.Recent(context.Background(), 5)
	if err != nil {
		fmt.Printf("History: unreadable (%v)\n", err)
		return
	}
	if len(recs) == 0 {
		return
	}

	fmt.Println("Recent cycles:")
	for _, rec := range recs {
		line := fmt.Sprintf("  %s  %s", rec.StartedAt.Format("2006-01-02 15:04"), rec.State)
		if rec.Summary != "" {
			line += "  " + rec.Summary
		}
		fmt.Println(line)
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if st, err := os.Stat(cfg.Vault.Path); err == nil && st.IsDir() {
		if err := analysis.WriteDefaultTemplate(cfg.PromptPath()); err != nil {
			return fmt.Errorf("seed prompt template: %w", err)
		}
		fmt.Printf("Prompt template: %s\n", cfg.PromptPath())
	} else {
		fmt.Printf("Vault not found at %s; set vault.path and rerun onboard to seed the prompt template\n", cfg.Vault.Path)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s: set vault.path, adapter.command and the tool server specs\n", cfgPath)
	fmt.Println("  2. Set ANTHROPIC_API_KEY (or provider.apiKey in the config)")
	fmt.Println("  3. Run 'garmin-analysis run' to analyze once, 'garmin-analysis daemon' to keep watching")

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
