// Command smoke drives an openai-mcp server end to end: it performs the handshake, lists the
// tools, asks for a short chat completion and lists the available models.
//
// With --command it spawns the server and talks to it over stdin/stdout, with --url it connects
// to a running SSE server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MegaGrindStone/openai-mcp"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Command      string        `short:"c" long:"command" description:"Server command to spawn, e.g. 'openai-mcp stdio'"`
	URL          string        `short:"u" long:"url" description:"SSE endpoint of a running server, e.g. http://localhost:3000/sse"`
	Token        string        `short:"t" long:"token" env:"API_KEY" description:"Bearer token of the SSE server"`
	OpenAIAPIKey string        `short:"k" long:"openai-api-key" env:"SMOKE_OPENAI_API_KEY" description:"OpenAI API key sent in the initialize config"`
	Timeout      time.Duration `long:"timeout" default:"60s" description:"Deadline of the whole run"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
	if (opts.Command == "") == (opts.URL == "") {
		log.Fatal("exactly one of --command or --url is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	transport, cleanup, err := newTransport(ctx, opts, logger)
	if err != nil {
		log.Fatalf("failed to prepare transport: %v", err)
	}
	defer cleanup()

	if err := smoke(ctx, transport, opts.OpenAIAPIKey, logger); err != nil {
		log.Fatalf("smoke test failed: %v", err)
	}
	fmt.Println("\nAll checks passed")
}

func newTransport(ctx context.Context, opts options, logger *slog.Logger) (mcp.ClientTransport, func(), error) {
	if opts.URL != "" {
		cliOpts := []mcp.SSEClientOption{mcp.WithSSEClientLogger(logger)}
		if opts.Token != "" {
			cliOpts = append(cliOpts, mcp.WithSSEClientHeader("Authorization", "Bearer "+opts.Token))
		}
		return mcp.NewSSEClient(opts.URL, http.DefaultClient, cliOpts...), func() {}, nil
	}

	fields := strings.Fields(opts.Command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %q: %w", opts.Command, err)
	}

	cleanup := func() {
		_ = stdin.Close()
		if err := cmd.Wait(); err != nil {
			logger.Warn("server exited", slog.String("err", err.Error()))
		}
	}
	return mcp.NewStdIO(stdout, stdin, mcp.WithStdIOLogger(logger)), cleanup, nil
}

func smoke(ctx context.Context, transport mcp.ClientTransport, openAIKey string, logger *slog.Logger) error {
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0.0"}, transport, mcp.WithClientLogger(logger))
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	params := mcp.InitializeParams{ProtocolVersion: "0.1.0"}
	if openAIKey != "" {
		cfg, err := json.Marshal(map[string]string{"openaiApiKey": openAIKey})
		if err != nil {
			return err
		}
		params.Config = cfg
	}
	initRes, err := cli.Initialize(ctx, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Printf("Connected to %s %s (protocol %s)\n", initRes.ServerInfo.Name, initRes.ServerInfo.Version,
		initRes.ProtocolVersion)

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	fmt.Println("\nTools:")
	for _, tool := range tools.Tools {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}

	chatArgs, err := json.Marshal(map[string]any{
		"messages":    []map[string]string{{"role": "user", "content": "Say 'Hello from OpenAI!'"}},
		"temperature": 0.5,
		"max_tokens":  50,
	})
	if err != nil {
		return err
	}
	chat, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "chat_completion", Arguments: chatArgs})
	if err != nil {
		return fmt.Errorf("chat_completion: %w", err)
	}
	fmt.Printf("\nChat completion:\n%s\n", firstText(chat))

	models, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "list_models", Arguments: json.RawMessage(`{}`)})
	if err != nil {
		return fmt.Errorf("list_models: %w", err)
	}
	fmt.Printf("\n%s\n", firstText(models))

	return nil
}

func firstText(res mcp.CallToolResult) string {
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			return c.Text
		}
	}
	return ""
}
