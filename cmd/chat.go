package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/chat"
	"github.com/dayuer/convai-widget/internal/config"
	"github.com/dayuer/convai-widget/internal/confighub"
	"github.com/dayuer/convai-widget/internal/embed"
	"github.com/dayuer/convai-widget/internal/protocol"
	"github.com/dayuer/convai-widget/internal/session"
	"github.com/dayuer/convai-widget/internal/transport"
)

var (
	chatAgentID string
	chatBackend string
	chatVerbose bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent from the terminal",
	Long: `Open the chat surface in the terminal. Plain lines are sent to the agent.

Commands:
  /open     open the chat surface
  /close    close it (disconnects and clears the session)
  /toggle   toggle open/closed
  /end      end the conversation
  /reset    clear the session
  /status   show connection state
  /reload   fetch widget settings again
  /quit     exit`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatAgentID, "agent", "a", "", "Agent id (default: backend or ELEVENLABS_AGENT_ID)")
	chatCmd.Flags().StringVar(&chatBackend, "backend", "", "Widget backend URL for settings")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show internal logs")
}

// terminalSurface is one chat surface rendered on stdout.
type terminalSurface struct {
	mgr         *chat.Manager
	unsubscribe func()
}

func (s *terminalSurface) PostControl(msg protocol.ControlMessage) { s.mgr.PostControl(msg) }

func (s *terminalSurface) Remove() {
	s.mgr.Remove()
	s.unsubscribe()
}

// eventPrinter renders transcript events for one terminal.
type eventPrinter struct {
	out io.Writer
}

func (p eventPrinter) print(ev bus.Event) {
	switch ev.Kind {
	case bus.KindMessageAppended:
		m := ev.Message
		switch {
		case m.IsTyping():
			fmt.Fprintln(p.out, "  …")
		case m.Sender == session.SenderUser:
			fmt.Fprintf(p.out, "you> %s\n", m.Text)
		case m.Sender == session.SenderAssistant:
			fmt.Fprintf(p.out, "🤖 %s\n", m.Text)
		default:
			fmt.Fprintf(p.out, "ℹ️  %s\n", m.Text)
		}
	case bus.KindTranscriptCleared:
		fmt.Fprintln(p.out, "── transcript cleared ──")
	case bus.KindStateChanged:
		fmt.Fprintf(p.out, "   [%s]\n", ev.State)
	case bus.KindConversationID:
		fmt.Fprintf(p.out, "   [conversation %s]\n", ev.ConversationID)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("agent") {
		cfg.Agent.ID = chatAgentID
	}
	if cmd.Flags().Changed("backend") {
		cfg.Agent.BackendURL = chatBackend
	}
	if !chatVerbose {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newSettingsHub(cfg, os.Stdout)
	reload := func() { loadSettings(ctx, hub, cfg.Agent.ID) }
	reload()
	settings := hub.Current()
	fmt.Println("   Type a message, or /quit to exit.")

	msgBus := bus.New()
	go msgBus.Dispatch(ctx)
	dialer := transport.NewDialer(cfg.Agent.WSURL, cfg.Agent.APIKey)

	factory := surfaceFactory(ctx, msgBus, dialer, os.Stdout,
		chat.WithOptions(chatOptions(cfg)),
		chat.WithResolver(hub),
	)
	ctrl := embed.NewController(embed.Config{
		AgentID:        settings.AgentID,
		ToggleDebounce: cfg.Embed.ToggleDebounce(),
		RemoveDelay:    cfg.Embed.RemoveDelay(),
	}, factory)
	defer ctrl.Shutdown()

	if err := ctrl.Open(); err != nil {
		return err
	}
	return chatLoop(ctx, os.Stdin, ctrl, reload)
}

// surfaceFactory builds terminal surfaces. Each surface gets its own session
// and starts connecting as soon as it opens. A nil msgBus prints nothing.
func surfaceFactory(ctx context.Context, msgBus *bus.Bus, dialer chat.Dialer, out io.Writer, opts ...chat.ManagerOption) embed.SurfaceFactory {
	printer := eventPrinter{out: out}
	return func(agentID string) (embed.Surface, error) {
		key := "cli:" + uuid.NewString()
		unsubscribe := func() {}
		var sink chat.Sink
		if msgBus != nil {
			unsubscribe = msgBus.Subscribe(key, printer.print)
			sink = msgBus
		}
		mgr := chat.NewManager(key, dialer, sink,
			append([]chat.ManagerOption{chat.WithFallbackAgent(agentID)}, opts...)...)

		go func() {
			err := mgr.Connect(ctx, "")
			if err != nil && !errors.Is(err, chat.ErrClosed) {
				log.Printf("[Chat] connect on open: %v", err)
			}
		}()
		return &terminalSurface{mgr: mgr, unsubscribe: unsubscribe}, nil
	}
}

// newSettingsHub seeds a settings hub from cfg. The header is printed to out
// every time settings are applied.
func newSettingsHub(cfg config.Config, out io.Writer) *confighub.Hub {
	fallback := confighub.DefaultSettings(cfg.Agent.ID)
	fallback.Header = confighub.Header{Title: cfg.Widget.Title, Subtitle: cfg.Widget.Subtitle}

	var client *confighub.Client
	if cfg.Agent.BackendURL != "" {
		client = confighub.NewClient(
			confighub.WithBaseURL(cfg.Agent.BackendURL),
		)
	}
	hub := confighub.New(client, fallback)
	hub.OnChange(func(s confighub.Settings) { printHeader(out, s) })
	return hub
}

func printHeader(out io.Writer, s confighub.Settings) {
	fmt.Fprintf(out, "💬 %s\n   %s\n", s.Header.Title, s.Header.Subtitle)
	if first := s.Widget.Widget.FirstMessage; first != "" {
		fmt.Fprintf(out, "🤖 %s\n", first)
	}
}

// loadSettings fetches header and widget settings from the backend. Failures
// leave the previous settings in place.
func loadSettings(ctx context.Context, hub *confighub.Hub, agentID string) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hub.Load(loadCtx, agentID); err != nil {
		log.Printf("[Chat] settings fallback: %v", err)
	}
}

func currentManager(ctrl *embed.Controller) *chat.Manager {
	if s, ok := ctrl.Current().(*terminalSurface); ok {
		return s.mgr
	}
	return nil
}

// chatLoop reads commands and messages until EOF or /quit. reload may be nil.
func chatLoop(ctx context.Context, in io.Reader, ctrl *embed.Controller, reload func()) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/open":
			if err := ctrl.Open(); err != nil {
				fmt.Printf("⚠️ %v\n", err)
			}
			continue
		case "/close":
			ctrl.Close()
			fmt.Println("   [closed] /open to start again")
			continue
		case "/reload":
			if reload == nil {
				fmt.Println("   no settings source")
			} else {
				reload()
			}
			continue
		case "/toggle":
			open, err := ctrl.Toggle()
			if err != nil {
				fmt.Printf("⚠️ %v\n", err)
			} else if open {
				fmt.Println("   [opened]")
			} else {
				fmt.Println("   [closed]")
			}
			continue
		}

		mgr := currentManager(ctrl)
		if mgr == nil {
			fmt.Println("   chat is closed, /open to start")
			continue
		}

		var err error
		switch line {
		case "/end":
			err = mgr.EndConversation()
		case "/reset":
			err = mgr.ResetSession()
		case "/status":
			snap := mgr.Snapshot()
			fmt.Printf("   state=%s agent=%s conversation=%s queued=%d messages=%d\n",
				snap.State, snap.AgentID, snap.ConversationID, len(snap.Queued), len(snap.Messages))
		default:
			if strings.HasPrefix(line, "/") {
				fmt.Printf("   unknown command %s\n", line)
				continue
			}
			err = mgr.SubmitUserText(line)
		}
		if err != nil && !errors.Is(err, chat.ErrClosed) {
			fmt.Printf("⚠️ %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}
