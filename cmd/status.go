package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/convai-widget/internal/config"
	"github.com/dayuer/convai-widget/internal/confighub"
	"github.com/dayuer/convai-widget/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and backend status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}

	fmt.Println("💬 convai-widget Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Agent: %s\n", orNotSet(cfg.Agent.ID))
	fmt.Printf("API key: %s\n", utils.MaskSecret(cfg.Agent.APIKey))
	fmt.Printf("Agent API: %s\n", cfg.Agent.APIBase)
	fmt.Printf("Realtime: %s\n", cfg.Agent.WSURL)
	fmt.Printf("Header: %q / %q\n", cfg.Widget.Title, utils.TruncateString(cfg.Widget.Subtitle, 60, "..."))
	if cfg.Cache.RedisURL != "" {
		fmt.Printf("Cache: redis (%s)\n", cfg.Cache.RedisURL)
	} else {
		fmt.Printf("Cache: memory (%d keys, %s)\n", cfg.Cache.MaxKeys, cfg.Cache.TTL())
	}

	if pid, ok := getRunningPID(); ok {
		fmt.Printf("Server: running (PID %d)\n", pid)
	} else {
		fmt.Println("Server: not running")
	}

	if cfg.Agent.BackendURL == "" {
		return nil
	}
	fmt.Printf("\nBackend %s:\n", cfg.Agent.BackendURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := confighub.NewClient(
		confighub.WithBaseURL(cfg.Agent.BackendURL),
		confighub.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	)
	id, err := client.DefaultAgentID(ctx)
	if err != nil {
		fmt.Printf("  ✗ unreachable: %v\n", err)
		return nil
	}
	fmt.Printf("  ✓ default agent: %s\n", orNotSet(id))
	if id == "" {
		id = cfg.Agent.ID
	}
	if hdr, err := client.Header(ctx, id); err == nil {
		fmt.Printf("  ✓ header: %q\n", hdr.Title)
	} else {
		fmt.Printf("  ✗ header: %v\n", err)
	}
	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
