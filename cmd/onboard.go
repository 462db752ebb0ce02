package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dayuer/convai-widget/internal/config"
	"github.com/dayuer/convai-widget/internal/utils"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize convai-widget configuration",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}

	if _, err := utils.EnsureDir(utils.GetDataPath()); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		// Seed from the environment so an existing .env setup carries over.
		config.ApplyEnv(&cfg)
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("✓ Created config at %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("\n💬 convai-widget is ready!")
	fmt.Println("\nNext steps:")
	step := 1
	if cfg.Agent.APIKey == "" {
		fmt.Printf("  %d. Add your agent API key to %s (agent.apiKey) or set ELEVENLABS_API_KEY\n", step, path)
		step++
	}
	if cfg.Agent.ID == "" {
		fmt.Printf("  %d. Set agent.id or ELEVENLABS_AGENT_ID\n", step)
		step++
	}
	fmt.Printf("  %d. Serve the widget: convai-widget server\n", step)
	fmt.Printf("  %d. Chat: convai-widget chat\n", step+1)
	return nil
}
