package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dayuer/convai-widget/internal/agentapi"
	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/cache"
	"github.com/dayuer/convai-widget/internal/config"
	"github.com/dayuer/convai-widget/internal/redis"
	"github.com/dayuer/convai-widget/internal/server"
	"github.com/dayuer/convai-widget/internal/transport"
	"github.com/dayuer/convai-widget/internal/utils"
)

var (
	serverPort    int
	serverHost    string
	serverAgentID string
	staticDir     string
	widgetDir     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the widget backend (config API, static assets, chat bridge)",
	Long: `Start the widget backend with:
  - Config endpoints (/api/config, /api/agent-config, /api/widget-config)
  - Cached, de-duplicated agent API lookups behind a circuit breaker
  - Static widget assets (/ and /widget/)
  - Websocket chat bridge (/ws/chat) and Prometheus metrics (/metrics)`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 3001, "HTTP port (or PORT env)")
	serverCmd.PersistentFlags().StringVar(&serverHost, "host", "0.0.0.0", "Listen address")
	serverCmd.PersistentFlags().StringVar(&serverAgentID, "agent", "", "Default agent id (or ELEVENLABS_AGENT_ID env)")
	serverCmd.PersistentFlags().StringVar(&staticDir, "static-dir", "", "Directory served at /")
	serverCmd.PersistentFlags().StringVar(&widgetDir, "widget-dir", "", "Directory served at /widget/")
}

// applyServerFlags lets explicit flags win over file and environment.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = serverPort
	}
	if flags.Changed("host") {
		cfg.Server.Host = serverHost
	}
	if flags.Changed("agent") {
		cfg.Agent.ID = serverAgentID
	}
	if flags.Changed("static-dir") {
		cfg.Server.StaticDir = staticDir
	}
	if flags.Changed("widget-dir") {
		cfg.Server.WidgetDir = widgetDir
	}
}

func newServer(cfg config.Config) *server.Server {
	upstream := agentapi.New(agentapi.Config{
		BaseURL: cfg.Agent.APIBase,
		APIKey:  cfg.Agent.APIKey,
	})
	return server.NewServer(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		DefaultAgentID: cfg.Agent.ID,
		Title:          cfg.Widget.Title,
		Subtitle:       cfg.Widget.Subtitle,
		Environment:    cfg.Server.Environment,
		Debug:          cfg.Server.Debug,
		StaticDir:      cfg.Server.StaticDir,
		WidgetDir:      cfg.Server.WidgetDir,
		APILimit: server.Limit{
			Requests: cfg.RateLimit.APIRequests,
			Window:   cfg.RateLimit.APIWindow(),
		},
		ConfigLimit: server.Limit{
			Requests: cfg.RateLimit.ConfigRequests,
			Window:   cfg.RateLimit.ConfigWindow(),
		},
		Chat:     chatOptions(cfg),
		Dialer:   transport.NewDialer(cfg.Agent.WSURL, cfg.Agent.APIKey),
		Upstream: upstream,
		Cache:    cache.Open(cfg.Cache.RedisURL, cfg.Cache.MaxKeys, cfg.Cache.TTL()),
		Bus:      bus.New(),
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServerFlags(cmd, &cfg)

	fmt.Println("🚀 Starting convai-widget server...")
	if cfg.Agent.ID != "" {
		fmt.Printf("   Default agent: %s\n", cfg.Agent.ID)
	} else {
		fmt.Println("   ⚠️ No default agent (set ELEVENLABS_AGENT_ID or pass ?agentId=)")
	}
	fmt.Printf("   API key: %s\n", utils.MaskSecret(cfg.Agent.APIKey))
	if cfg.Cache.RedisURL != "" {
		fmt.Printf("   Redis: %s\n", cfg.Cache.RedisURL)
	}

	srv := newServer(cfg)
	defer redis.Close()

	fmt.Printf("   ✅ HTTP API → http://%s\n", srv.Addr())
	fmt.Println("────────────────────────────────────────")

	// Write PID file only in direct foreground mode (not when spawned by daemon).
	isForeground := false
	if _, err := os.Stat(pidFilePath()); os.IsNotExist(err) {
		writePID(os.Getpid())
		isForeground = true
	}
	defer func() {
		if isForeground {
			removePID()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("🛑 Shutting down...")
		cancel()
	}()

	return srv.Start(ctx)
}
