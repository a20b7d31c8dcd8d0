// Package main provides the CLI entry point for the agent runtime core: a
// single-workspace, multi-provider LLM agent with a bounded built-in tool
// set (bash, file I/O, web fetch/search, memory search, sub-agent spawn),
// periodic heartbeat ticks, and a local security audit.
//
// # Basic usage
//
// Run an interactive turn loop against the configured workspace:
//
//	agentcore run --config ~/.agentcore/config.toml
//
// Run a security audit of the workspace and state directory:
//
//	agentcore audit --fix
//
// # Environment variables
//
// Configuration is a TOML file; ${NAME} references inside it are expanded
// from the process environment at load time, so credentials are typically
// supplied as environment variables referenced from config.toml rather than
// written in plaintext:
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/concurrency"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/credbroker"
	"github.com/haasonsaas/nexus/internal/heartbeat"
	"github.com/haasonsaas/nexus/internal/models"
	"github.com/haasonsaas/nexus/internal/security"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/status"
	"github.com/haasonsaas/nexus/internal/tools"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/files"
	"github.com/haasonsaas/nexus/internal/tools/memorysearch"
	"github.com/haasonsaas/nexus/internal/tools/sandbox"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/internal/tools/websearch"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "agentcore - single-workspace LLM agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config.toml")

	root.AddCommand(buildRunCmd())
	root.AddCommand(buildAuditCmd())
	root.AddCommand(buildStatusCmd())
	root.AddCommand(buildBrokerCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var workspace, providerName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interactive turn loop against the configured workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), configPath, workspace, providerName)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", ".", "workspace root the agent operates on")
	cmd.Flags().StringVar(&providerName, "provider", "anthropic", "provider key from config.toml [providers.*] to drive this run")
	return cmd
}

func buildAuditCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run the filesystem permission security audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(configPath, config.DefaultStateDir(), fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "auto-remediate findings where safe")
	return cmd
}

func buildBrokerCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the local credential broker socket for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context(), config.DefaultStateDir(), socketPath)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", filepath.Join(config.DefaultStateDir(), "broker.sock"), "unix socket path to listen on")
	return cmd
}

// registerProviderCredential mirrors the configured provider's API key into
// the local credential broker's encrypted store, so a sibling process (the
// broker subcommand, or another agentcore instance) can retrieve it without
// ever reading config.toml directly.
func registerProviderCredential(stateDir, providerName, apiKey string) error {
	key, err := credbroker.LoadOrCreateDeviceKey(stateDir)
	if err != nil {
		return fmt.Errorf("load device key: %w", err)
	}
	broker, err := credbroker.NewBroker(key, stateDir)
	if err != nil {
		return err
	}
	return broker.Register(providerName, []byte(apiKey))
}

func runBroker(ctx context.Context, stateDir, socketPath string) error {
	key, err := credbroker.LoadOrCreateDeviceKey(stateDir)
	if err != nil {
		return fmt.Errorf("load device key: %w", err)
	}
	broker, err := credbroker.NewBroker(key, stateDir)
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}
	return broker.Serve(ctx, socketPath)
}

func buildStatusCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Serve the Prometheus /metrics endpoint for this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveMetrics(cmd.Context(), bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1:9090", "address to serve /metrics on")
	return cmd
}

func serveMetrics(ctx context.Context, bind string) error {
	reg := prometheus.NewRegistry()
	status.NewRegistry(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: bind, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics server listening", "addr", bind)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func runAudit(configPath, stateDir string, fix bool) error {
	report, err := security.RunAudit(security.AuditOptions{
		StateDir:          stateDir,
		ConfigPath:        configPath,
		IncludeFilesystem: true,
		CheckSymlinks:     true,
	})
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	for _, finding := range report.Findings {
		fmt.Printf("[%s] %s: %s\n", finding.Severity, finding.Title, finding.Detail)
	}
	fmt.Printf("summary: critical=%d warn=%d info=%d\n", report.Summary.Critical, report.Summary.Warn, report.Summary.Info)
	if !fix {
		return nil
	}
	result := security.Fix(security.FixOptions{StateDir: stateDir, ConfigPath: configPath})
	for _, action := range result.Actions {
		fmt.Printf("fix: %s %s: %s (success=%v)\n", action.Type, action.Path, action.Description, action.Success)
	}
	return nil
}

// runInteractive builds the full agent stack from cfg and drives a stdin/
// stdout REPL: each line is one user turn; the assistant text streamed during
// the turn is collected and written to stdout once the turn completes.
func runInteractive(ctx context.Context, cfgPath, workspace, providerName string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateDir := config.DefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	provider, err := buildProvider(cfg, providerName)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	if p, ok := cfg.Providers[providerName]; ok && p.APIKey != "" {
		if err := registerProviderCredential(stateDir, providerName, p.APIKey); err != nil {
			return fmt.Errorf("register provider credential: %w", err)
		}
	}

	registry := agent.NewToolRegistry()
	protected := security.NewProtectedFiles(cfg.Security.AllowedDirectories)
	registerBuiltinTools(registry, cfg, workspace, protected, provider)

	filter := tools.NewCompiledToolFilter(tools.FilterConfig{
		AllowSubstrings: cfg.Tools.Filters.AllowSubstrings,
		DenySubstrings:  cfg.Tools.Filters.DenySubstrings,
		DenyPatterns:    cfg.Tools.Filters.DenyPatterns,
	})

	loopCfg := agent.LoopConfig{
		Executor: agent.ExecutorConfig{
			ToolOutputMaxChars:   cfg.Tools.ToolOutputMaxChars,
			UseContentDelimiters: cfg.Tools.UseContentDelimiters,
			LogInjectionWarnings: cfg.Tools.LogInjectionWarnings,
		},
	}
	loop := agent.NewLoop(provider, registry, filter, nil, loopCfg)

	statusReg := status.NewRegistry(prometheus.DefaultRegisterer)
	store := sessions.NewMemoryStore()

	turnGate := concurrency.NewTurnGate()
	wsLock := concurrency.NewWorkspaceLock(stateDir)

	systemPrompt := agent.ComposeSystemPrompt(agent.PromptInputs{
		Workspace:      workspace,
		Location:       time.Local,
		Tools:          registry.All(),
		SkillSummaries: agent.DiscoverSkillSummaries(workspace),
		MemoryFiles:    agent.DiscoverMemoryRoster(workspace),
		Soul:           agent.ReadSoul(workspace),
	})
	session := agent.NewSession(systemPrompt)
	persisted, err := store.GetOrCreate(ctx, sessions.SessionKey("agentcore", models.ChannelAPI, workspace), "agentcore", models.ChannelAPI, workspace)
	if err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	session.ID = persisted.ID
	statusReg.SetActiveSessions(1)

	if cfg.Heartbeat.Enabled {
		runner := heartbeat.NewRunner(heartbeat.Config{
			Interval:    cfg.Heartbeat.IntervalDuration(),
			Timeout:     cfg.Heartbeat.TimeoutDuration(),
			ActiveHours: cfg.Heartbeat.ActiveHours,
			Timezone:    cfg.Heartbeat.Timezone,
		}, workspace, stateDir, turnGate, wsLock, func(tickCtx context.Context, prompt string) (string, error) {
			return runTurn(tickCtx, loop, session, prompt)
		}, statusReg.RecordHeartbeat)
		runner.Start(ctx)
		defer runner.Stop()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "agentcore ready. Type a message and press enter; Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if sigCtx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := turnGate.Acquire(sigCtx); err != nil {
			return err
		}
		reply, err := runTurn(sigCtx, loop, session, line)
		turnGate.Release()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		cost := status.EstimateUsageCost(session.Usage.InputTokens, session.Usage.OutputTokens,
			status.ResolveModelCostConfig(provider.Name(), cfg.Agent.DefaultModel))
		statusReg.RecordTurn(cost)
		if trimmed := strings.TrimSpace(reply); trimmed != agent.SilentReplySentinel && trimmed != agent.HeartbeatOKSentinel {
			fmt.Println(reply)
		}

		now := time.Now()
		if err := store.AppendMessage(sigCtx, session.ID, &models.Message{
			SessionID: session.ID, Channel: models.ChannelAPI, Role: models.RoleUser,
			Content: line, CreatedAt: now,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "persist user message: %v\n", err)
		}
		if err := store.AppendMessage(sigCtx, session.ID, &models.Message{
			SessionID: session.ID, Channel: models.ChannelAPI, Role: models.RoleAssistant,
			Content: reply, CreatedAt: now,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "persist assistant message: %v\n", err)
		}
	}
	return scanner.Err()
}

// runTurn drives one turn of the loop and returns the accumulated reply
// text. Printing is the caller's responsibility: a reply matching the
// silent-reply or heartbeat-OK sentinel must never reach stdout. This also
// serves as the heartbeat.TurnRunner adapter, since a heartbeat tick is just
// a turn whose prompt happens to come from HEARTBEAT.md.
func runTurn(ctx context.Context, loop *agent.Loop, session *agent.Session, userText string) (string, error) {
	events, err := loop.Run(ctx, session, agent.Message{Role: agent.RoleUser, Content: userText})
	if err != nil {
		return "", err
	}
	var reply strings.Builder
	for ev := range events {
		switch ev.Kind {
		case agent.EventContent:
			reply.WriteString(ev.ContentDelta)
		case agent.EventError:
			return reply.String(), fmt.Errorf("%s", ev.Err)
		}
	}
	return reply.String(), nil
}

func buildProvider(cfg *config.Config, providerName string) (agent.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(providerName))
	p, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider configuration for %q", name)
	}

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       p.APIKey,
			DefaultModel: cfg.Agent.DefaultModel,
		})
	case "openai":
		if p.BaseURL != "" {
			return providers.NewOpenAICompatibleProvider(name, p.APIKey, p.BaseURL), nil
		}
		return providers.NewOpenAIProvider(p.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       p.APIKey,
			DefaultModel: cfg.Agent.DefaultModel,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      p.BaseURL,
			DefaultModel: cfg.Agent.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

func registerBuiltinTools(registry *agent.ToolRegistry, cfg *config.Config, workspace string, protected *security.ProtectedFiles, provider agent.Provider) {
	execManager := exec.NewManager(workspace)
	if cfg.Sandbox.Enabled {
		policy := sandbox.Policy{
			MaxOutputBytes:   cfg.Sandbox.MaxOutputBytes,
			MaxFileSizeBytes: cfg.Sandbox.MaxFileSizeBytes,
			MaxProcesses:     cfg.Sandbox.MaxProcesses,
			ReadOnlyPaths:    cfg.Sandbox.AllowPaths.Read,
			ReadWritePaths:   cfg.Sandbox.AllowPaths.Write,
			Network:          sandbox.NetworkPolicy(cfg.Sandbox.Network.Policy),
			ProxyURL:         cfg.Sandbox.Network.ProxyURL,
		}.Resolve(workspace)
		execManager = execManager.WithSandbox(sandbox.NewRunner(policy).Hook())
	}

	fileCfg := files.Config{
		Workspace:   workspace,
		AllowedDirs: cfg.Security.AllowedDirectories,
	}

	tools.MustRegister(registry, tools.NewBashTool(execManager, protected, cfg.Security.StrictPolicy))
	tools.MustRegister(registry, exec.NewExecTool("exec", execManager))
	tools.MustRegister(registry, exec.NewProcessTool(execManager))
	tools.MustRegister(registry, files.NewReadTool(fileCfg))
	tools.MustRegister(registry, files.NewWriteTool(fileCfg, protected))
	tools.MustRegister(registry, files.NewEditTool(fileCfg, protected))
	tools.MustRegister(registry, files.NewApplyPatchTool(fileCfg))

	tools.MustRegister(registry, websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: int(cfg.Tools.WebFetchMaxBytes)}))
	tools.MustRegister(registry, websearch.NewWebSearchTool(&websearch.Config{
		BraveAPIKey:        cfg.Tools.WebSearch.APIKey,
		DefaultBackend:     websearch.SearchBackend(cfg.Tools.WebSearch.Provider),
		ExtractContent:     true,
		DefaultResultCount: 5,
	}))

	memCfg := &memorysearch.Config{
		Directory:     filepath.Join(workspace, ".agentcore", "memory"),
		WorkspacePath: workspace,
		Mode:          "hybrid",
		Embeddings: memorysearch.EmbeddingsConfig{
			Provider: cfg.Memory.EmbeddingProvider,
			Model:    cfg.Memory.EmbeddingModel,
		},
	}
	tools.MustRegister(registry, memorysearch.NewMemorySearchTool(memCfg))
	tools.MustRegister(registry, memorysearch.NewMemoryGetTool(memCfg))

	tools.MustRegister(registry, subagent.NewAgentTool(func(ctx context.Context) (*agent.Loop, error) {
		safe := registry.Subset(tools.SafeSubset)
		return agent.NewLoop(provider, safe, tools.NewCompiledToolFilter(tools.FilterConfig{}), nil, agent.LoopConfig{
			MaxIterations: subagent.MaxIterations,
		}), nil
	}))
}
