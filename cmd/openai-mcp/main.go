// Command openai-mcp exposes OpenAI chat completion, embeddings and model listing as MCP tools,
// either to a single client over standard input/output or to many clients over SSE.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MegaGrindStone/openai-mcp"
	"github.com/MegaGrindStone/openai-mcp/servers/openai"
	"github.com/jessevdk/go-flags"
)

type globalOptions struct {
	LogLevel     string        `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum level of the diagnostics written to stderr"`
	LogFormat    string        `long:"log-format" default:"text" choice:"text" choice:"json" description:"Format of the diagnostics written to stderr"`
	DefaultModel string        `long:"default-model" description:"Chat model used when a call doesn't name one, overrides the variant's default"`
	PingInterval time.Duration `long:"ping-interval" default:"0s" description:"Interval of keep-alive pings sent to clients, 0 disables them"`
}

type stdioCommand struct {
	CredentialSource string `long:"credential-source" default:"env" choice:"env" choice:"env-or-init" description:"Where the OpenAI API key comes from: the environment only, or the environment then the initialize config"`
	Reinit           string `long:"reinit" default:"reject" choice:"reject" choice:"reset" description:"What a second initialize does: reject it, or rebuild the OpenAI client"`

	global *globalOptions
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type sseCommand struct {
	Port   int    `short:"p" long:"port" description:"Port to listen on, overrides PORT"`
	Reinit string `long:"reinit" default:"reject" choice:"reject" choice:"reset" description:"What a second initialize on a connection does: reject it, or rebuild the OpenAI client"`

	global *globalOptions
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses args and executes the selected command, returning the process exit code.
// stdout only ever carries protocol frames.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var global globalOptions
	stdioCmd := &stdioCommand{global: &global, stdin: stdin, stdout: stdout, stderr: stderr}
	sseCmd := &sseCommand{global: &global, stderr: stderr}

	parser := flags.NewParser(&global, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "openai-mcp"
	if _, err := parser.AddCommand("stdio", "Serve one client over stdin/stdout",
		"Serve one MCP client over newline-delimited JSON on stdin/stdout. The OpenAI API key is read from "+
			"OPENAI_API_KEY, the process exits with status 1 when no key can be resolved.", stdioCmd); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if _, err := parser.AddCommand("sse", "Serve many clients over HTTP and SSE",
		"Serve MCP over GET /sse and POST /message, guarded by the API_KEY bearer token. Every connection "+
			"sends its own OpenAI API key in the initialize config.", sseCmd); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stderr, flagsErr.Message)
			return 0
		}
		fmt.Fprintf(stderr, "openai-mcp: %s\n", err)
		return 1
	}
	return 0
}

func (c *stdioCommand) Execute([]string) error {
	logger := newLogger(c.global, c.stderr)

	cfg, err := openai.LoadConfig()
	if err != nil {
		return err
	}

	profile := openai.StdioProfile
	if c.global.DefaultModel != "" {
		profile.DefaultChatModel = c.global.DefaultModel
	}
	registry, err := openai.NewRegistry(profile)
	if err != nil {
		return err
	}

	initializer := openai.NewSessionInitializer(registry, openai.CredentialSource(c.CredentialSource),
		cfg.OpenAIAPIKey, openai.OpenAIFactory(cfg.ClientOptions()), logger)
	// Nothing is read from stdin until a credential is known to be resolvable.
	if err := initializer.CheckStartup(); err != nil {
		logger.Error("cannot start", slog.String("err", err.Error()))
		return err
	}

	var (
		initErrMu sync.Mutex
		initErr   error
	)
	transport := mcp.NewStdIO(c.stdin, c.stdout, mcp.WithStdIOLogger(logger))
	srv := mcp.NewServer(profile.Info, transport,
		mcp.WithToolServer(openai.NewServer(registry, nil, logger)),
		mcp.WithSessionInitializer(initializer),
		mcp.WithNotInitializedMessage(openai.NotInitializedMessage),
		mcp.WithReinitPolicy(mcp.ReinitPolicy(c.Reinit)),
		mcp.WithServerPingInterval(c.global.PingInterval),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnSessionError(func(_ string, err error) {
			initErrMu.Lock()
			initErr = err
			initErrMu.Unlock()
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	logger.Info("serving on stdio", slog.String("server", profile.Info.Name))

	select {
	case <-served:
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", slog.String("err", err.Error()))
		}
		return nil
	}

	initErrMu.Lock()
	defer initErrMu.Unlock()
	if initErr != nil {
		return fmt.Errorf("initialization failed: %w", initErr)
	}
	return nil
}

func (c *sseCommand) Execute([]string) error {
	logger := newLogger(c.global, c.stderr)

	cfg, err := openai.LoadConfig()
	if err != nil {
		return err
	}
	port := cfg.Port
	if c.Port != 0 {
		port = c.Port
	}
	if cfg.InsecureAPIKey() {
		logger.Warn("API_KEY is not set, the placeholder bearer token is in use")
	}

	profile := openai.SSEProfile
	if c.global.DefaultModel != "" {
		profile.DefaultChatModel = c.global.DefaultModel
	}
	registry, err := openai.NewRegistry(profile)
	if err != nil {
		return err
	}

	initializer := openai.NewSessionInitializer(registry, openai.CredentialInit, "",
		openai.OpenAIFactory(cfg.ClientOptions()), logger)

	sseSrv := mcp.NewSSEServer(cfg.PublicBaseURL+"/message", mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(profile.Info, sseSrv,
		mcp.WithToolServer(openai.NewServer(registry, nil, logger)),
		mcp.WithSessionInitializer(initializer),
		mcp.WithNotInitializedMessage(openai.NotInitializedMessage),
		mcp.WithReinitPolicy(mcp.ReinitPolicy(c.Reinit)),
		mcp.WithServerPingInterval(c.global.PingInterval),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("session closed", slog.String("sessionID", id))
		}),
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           openai.NewRouter(sseSrv, cfg.APIKey, logger),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Sessions end first so the event streams return and the HTTP server can drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown MCP server", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", slog.String("err", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func newLogger(opts *globalOptions, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}
