package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lockin/internal/api"
	"github.com/kalambet/lockin/internal/cache"
	"github.com/kalambet/lockin/internal/classifier"
	"github.com/kalambet/lockin/internal/config"
	"github.com/kalambet/lockin/internal/pipeline"
	"github.com/kalambet/lockin/internal/policy"
	"github.com/kalambet/lockin/internal/snippet"
	"github.com/kalambet/lockin/internal/storage"
	"github.com/kalambet/lockin/internal/sweep"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lockin server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lockin server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lockin status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lockin.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})
	slog.SetDefault(slog.New(handler))
}

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("starting lockin", "version", version)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Storage.DataDir, "lockin.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking data dir: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("lockin is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("data dir %s is in use by another lockin process", cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	apiToken, err := config.GetAPIToken(config.NewSecretStore(cfg.Storage.DataDir))
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	blacklist := policy.NewBlacklist(store)
	if err := policy.EnsureDefaults(ctx, store, blacklist); err != nil {
		return fmt.Errorf("seeding defaults: %w", err)
	}

	allow := policy.NewAllowStore(store)
	decisions := cache.New[pipeline.Decision](cfg.Cache.MaxEntries)

	if cfg.Classifier.SharedSecret == "" {
		slog.Warn("no classifier shared secret configured; the remote classifier may reject requests")
	}
	remote := classifier.NewClient(cfg.Classifier.BaseURL,
		classifier.WithSharedSecret(cfg.Classifier.SharedSecret),
		classifier.WithTimeout(cfg.Classifier.Timeout),
	)

	deps := pipeline.Deps{
		Allow:     allow,
		Blacklist: blacklist,
		Strikes:   policy.NewStrikeLedger(store, blacklist, cfg.Policy.StrikeLimit),
		Patterns:  policy.NewPatternStore(store),
		Monitor:   policy.NewMonitor(store),
		Cache:     decisions,
		Remote:    remote,
		Log:       store,
		Logger:    slog.Default(),
	}
	if cfg.Snippet.Enabled {
		deps.Snippets = snippet.NewCollector(cfg.Snippet.Timeout, slog.Default())
	}
	orch := pipeline.New(deps, pipeline.Options{
		CacheTTL:            cfg.Cache.TTL,
		SimilarityThreshold: cfg.Policy.SimilarityThreshold,
		TempAllowMinutes:    cfg.Policy.TempAllowMinutes,
	})

	sweeper, err := sweep.New(allow, decisions, cfg.Sweep.Schedule)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(api.Deps{Service: orch, History: store, Token: apiToken}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("lockin listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gCtx)
		return nil
	})

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(orch, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lockin is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lockin (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lockin (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Classifier", "%s", cfg.Classifier.BaseURL)
	if cfg.Classifier.SharedSecret == "" {
		printStatus("Shared secret", "%s", render(warningStyle, "not set"))
	} else {
		printStatus("Shared secret", "set")
	}

	if running {
		token, err := config.GetAPIToken(config.NewSecretStore(cfg.Storage.DataDir))
		if err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: hc}
			printRemoteStatus(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// printRemoteStatus shows the policy counters reported by a running server.
func printRemoteStatus(ctx context.Context, c *apiClient) {
	var mon struct {
		Monitoring bool `json:"monitoring"`
	}
	if resp, err := c.get(ctx, "/v1/monitoring"); err == nil && decodeJSON(resp, &mon) == nil {
		state := "off"
		if mon.Monitoring {
			state = "on"
		}
		printStatus("Monitoring", "%s", state)
	}

	var bl struct {
		Blacklist []string `json:"blacklist"`
	}
	if resp, err := c.get(ctx, "/v1/blacklist"); err == nil && decodeJSON(resp, &bl) == nil {
		printStatus("Blacklisted", "%d domains", len(bl.Blacklist))
	}

	var st struct {
		Strikes map[string]int `json:"strikes"`
	}
	if resp, err := c.get(ctx, "/v1/strikes"); err == nil && decodeJSON(resp, &st) == nil {
		printStatus("Struck", "%d domains", len(st.Strikes))
	}
}
