package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"acp/internal/audit"
	"acp/internal/channel"
	"acp/internal/control"
	"acp/internal/daemonconfig"
	"acp/internal/egress"
	"acp/internal/gate"
	"acp/internal/policy"
	"acp/internal/proxy"
	"acp/internal/supervisor"
)

const tableName = "acp_filter"

// agentTerminationGrace is how long the orchestrator waits for a
// SIGTERM'd agent to exit before giving up and letting shutdown
// proceed anyway; the agent process itself is not forcibly killed
// beyond the signal already forwarded to it.
const agentTerminationGrace = 5 * time.Second

func newStartCmd() *cobra.Command {
	var (
		workspace   string
		configDir   string
		runtimeUser string
		proxyPort   int
	)

	cmd := &cobra.Command{
		Use:   "start <preset>",
		Short: "Start the supervisor with the named agent preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run(args[0], workspace, configDir, runtimeUser, proxyPort))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "agent workspace directory (defaults to the runtime user's home)")
	cmd.Flags().StringVar(&configDir, "config", "", "config directory (defaults to ~/.acp of the runtime user)")
	cmd.Flags().StringVar(&runtimeUser, "runtime-user", "", "non-privileged user to run the agent as (required)")
	cmd.Flags().IntVar(&proxyPort, "http-proxy-port", 0, "override the proxy port from config.yml")
	return cmd
}

// run implements the exit-code contract: 0 on clean agent exit, 1 on
// startup failure, 130 on SIGINT, 143 on SIGTERM, the agent's own exit
// code otherwise.
func run(preset, workspace, configDir, runtimeUser string, proxyPortOverride int) int {
	logger := log.New(os.Stdout, "[acpd] ", log.LstdFlags|log.Lmsgprefix)

	if err := supervisor.CheckHost(); err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}
	if !egress.HasCapability() {
		logger.Printf("startup failed: %v", &supervisor.NotPrivilegedError{})
		return 1
	}

	identity, err := supervisor.ResolveUser(runtimeUser)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}

	if configDir == "" {
		configDir = filepath.Join(identity.HomeDir, ".acp")
	}
	if workspace == "" {
		workspace = identity.HomeDir
	}

	cfg, err := daemonconfig.Load(filepath.Join(configDir, "config.yml"))
	if err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}
	if proxyPortOverride != 0 {
		cfg.ProxyPort = proxyPortOverride
	}

	agentPreset, err := cfg.Lookup(preset)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}

	lockDir := filepath.Join(os.TempDir(), "acp")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		logger.Printf("startup failed: create lock directory: %v", err)
		return 1
	}
	lock, err := supervisor.Acquire(supervisor.LockPath(lockDir, identity.Name), identity.Name)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}
	defer lock.Release()

	o := &orchestrator{logger: logger}
	return o.runUntilExit(identity, cfg, agentPreset, configDir, workspace)
}

type orchestrator struct {
	logger *log.Logger
}

// runUntilExit drives the Starting -> Installing -> Running ->
// Stopping -> Stopped state machine and returns the process exit
// code.
func (o *orchestrator) runUntilExit(identity *supervisor.Identity, cfg *daemonconfig.Config, preset daemonconfig.Preset, configDir, workspace string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditSink, err := audit.New(filepath.Join(configDir, cfg.AuditPath))
	if err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}
	defer auditSink.Close()

	store, err := policy.Load(filepath.Join(configDir, "policy.yml"), o.logger)
	if err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}
	watcher, err := policy.NewWatcher(filepath.Join(configDir, "policy.yml"), store, o.logger)
	if err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}
	if err := watcher.Start(ctx); err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}
	defer watcher.Stop()

	ch, err := buildChannel(cfg, o.logger)
	if err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}

	g := gate.New(gate.Config{
		Policy:           watcher,
		Channel:          ch,
		Audit:            auditSink,
		Logger:           o.logger,
		TTL:              time.Duration(cfg.HostApprovalTTLSec) * time.Second,
		AskRatePerMinute: cfg.AskRatePerMinute,
	})

	// Installing: the kernel filter.
	filter := egress.New(egress.Config{
		TableName:  tableName,
		UID:        identity.UID,
		ProxyPort:  cfg.ProxyPort,
		DNSServers: cfg.DNSServers,
		StatePath:  filepath.Join(configDir, "egress.state.json"),
		Logger:     o.logger,
	})
	if err := filter.Reconcile(ctx); err != nil {
		o.logger.Printf("startup failed: %v", err)
		return 1
	}

	p := proxy.New(g, o.logger)
	proxyListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort))
	if err != nil {
		o.logger.Printf("startup failed: proxy listen: %v", err)
		return 1
	}
	proxyServer := &http.Server{Handler: p}

	if err := filter.Install(ctx); err != nil {
		o.logger.Printf("startup failed: %v", err)
		proxyListener.Close()
		return 1
	}

	controlServer, err := buildControlServer(cfg, g, identity, configDir, o.logger)
	if err != nil {
		o.logger.Printf("startup failed: %v", err)
		o.teardownFilter(ctx, filter)
		proxyListener.Close()
		return 1
	}

	go func() {
		if err := proxyServer.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
			o.logger.Printf("proxy server error: %v", err)
		}
	}()
	go func() {
		if err := controlServer.Serve(); err != nil {
			o.logger.Printf("control server error: %v", err)
		}
	}()

	// Running: spawn the agent.
	agent, err := supervisor.Start(ctx, supervisor.AgentConfig{
		Command:    preset.Command,
		Args:       preset.Args,
		Dir:        workspace,
		RuntimeUID: identity.UID,
		RuntimeGID: identity.GID,
		ProxyHost:  "127.0.0.1",
		ProxyPort:  cfg.ProxyPort,
		NoProxy:    "127.0.0.1,localhost",
		Logger:     o.logger,
	})
	if err != nil {
		o.logger.Printf("startup failed: start agent: %v", err)
		o.teardownFilter(ctx, filter)
		proxyListener.Close()
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	agentDone := make(chan int, 1)
	go func() { agentDone <- agent.Wait() }()

	var exitCode int
	select {
	case code := <-agentDone:
		exitCode = code
	case sig := <-sigCh:
		o.logger.Printf("received signal %v, shutting down", sig)
		// The agent has its own signal.Notify registration (see
		// supervisor.Start) and relays this same signal to the child
		// independently of this select.
		select {
		case <-agentDone:
		case <-time.After(agentTerminationGrace):
			o.logger.Printf("agent did not exit within grace period, proceeding with shutdown anyway")
		}
		if sig == syscall.SIGINT {
			exitCode = 130
		} else {
			exitCode = 143
		}
	}

	// Stopping: the agent has already exited, or has received the
	// signal through its own relay and had its grace period above.
	// Now stop accepting new connections, tear down the kernel filter,
	// then fully stop the proxy listener.
	proxyListener.Close()
	o.teardownFilter(ctx, filter)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	proxyServer.Shutdown(shutdownCtx)
	controlServer.Shutdown(shutdownCtx)
	shutdownCancel()

	o.logger.Printf("stopped, exit code %d", exitCode)
	return exitCode
}

func (o *orchestrator) teardownFilter(ctx context.Context, filter *egress.Controller) {
	if err := filter.Remove(ctx); err != nil {
		o.logger.Printf("egress filter removal failed (tolerated): %v", err)
	}
}

func buildControlServer(cfg *daemonconfig.Config, g *gate.Gate, identity *supervisor.Identity, configDir string, logger *log.Logger) (*control.Server, error) {
	s := control.New(control.Config{
		SocketPath: filepath.Join(configDir, cfg.ControlSocket),
		Gate:       g,
		AuditPath:  filepath.Join(configDir, cfg.AuditPath),
		RuntimeUID: identity.UID,
		Logger:     logger,
		StartedAt:  time.Now(),
	})
	if err := s.Listen(); err != nil {
		return nil, err
	}
	return s, nil
}

func buildChannel(cfg *daemonconfig.Config, logger *log.Logger) (channel.Channel, error) {
	switch cfg.Channel {
	case "terminal":
		return channel.NewTerminal(os.Stdin, os.Stdout, logger), nil
	case "telegram":
		token := cfg.ChannelConfig.Telegram.BotToken
		chatID := cfg.ChannelConfig.Telegram.ChatID
		if token == "" {
			token = os.Getenv("ACP_TELEGRAM_BOT_TOKEN")
		}
		if chatID == "" {
			chatID = os.Getenv("ACP_TELEGRAM_CHAT_ID")
		}
		return channel.NewMessageBot(token, chatID, logger), nil
	case "webhook":
		url := cfg.ChannelConfig.Webhook.URL
		secret := cfg.ChannelConfig.Webhook.Secret
		if url == "" {
			url = os.Getenv("ACP_WEBHOOK_URL")
		}
		if secret == "" {
			secret = os.Getenv("ACP_WEBHOOK_SECRET")
		}
		return channel.NewWebhook(url, secret), nil
	default:
		return nil, fmt.Errorf("unknown consent channel %q", cfg.Channel)
	}
}
