package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lumeos/chatdigest/internal/config"
	"github.com/lumeos/chatdigest/internal/gateway"
	"github.com/lumeos/chatdigest/internal/importer"
	"github.com/lumeos/chatdigest/internal/summarize"
)

const version = "0.2.0"

var rootCmd = &cobra.Command{
	Use:   "chatdigest",
	Short: "chatdigest - Telegram chat digest bot",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot (channels + scheduled backfill)",
	RunE:  runServe,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a chat's recent history and write it as a JSON dump",
	RunE:  runImport,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config and prompt files",
	RunE:  runOnboard,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chatdigest", version)
	},
}

var (
	importChat   string
	importHours  int
	importOutput string
)

func init() {
	importCmd.Flags().StringVarP(&importChat, "chat", "c", "", "chat handle to import (required)")
	importCmd.Flags().IntVarP(&importHours, "hours", "H", 24, "trailing window in hours")
	importCmd.Flags().StringVarP(&importOutput, "output", "o", "telegram_history.json", "output file path")
	_ = importCmd.MarkFlagRequired("chat")

	rootCmd.AddCommand(serveCmd, importCmd, onboardCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set; run 'chatdigest onboard' or set CHATDIGEST_TELEGRAM_TOKEN")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	return gw.Run(context.Background())
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	source, err := importer.NewHTTPSource(cfg.Importer)
	if err != nil {
		return fmt.Errorf("history gateway not configured: %w", err)
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(importHours) * time.Hour)

	result, err := importer.New(source, cfg.Importer).Run(cmd.Context(), importChat, start, end)
	if err != nil {
		return err
	}

	if err := importer.WriteDump(importOutput, result.Messages); err != nil {
		return err
	}

	status := ""
	if result.Partial {
		status = " (partial: remote fetch failed mid-run)"
	}
	fmt.Printf("Saved %d messages from %q to %s%s\n", len(result.Messages), result.Chat.Title, importOutput, status)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if err := config.SaveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("Wrote", config.ConfigPath())

	promptDir := filepath.Join(config.ConfigDir(), "prompts")
	if err := os.MkdirAll(promptDir, 0755); err != nil {
		return err
	}
	files := map[string]string{
		"system_prompt.txt":  summarize.DefaultPrompts.System,
		"summary_prompt.txt": summarize.DefaultPrompts.Summary,
	}
	for name, content := range files {
		path := filepath.Join(promptDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
	}

	fmt.Println("\nNext: set telegram.token (or CHATDIGEST_TELEGRAM_TOKEN) and provider credentials, then run 'chatdigest serve'.")
	return nil
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("[main] loaded .env")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
