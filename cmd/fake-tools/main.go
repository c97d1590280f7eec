// ABOUTME: Minimal tool agent for E2E testing: echo and clock tools, a greet prompt and an about resource.
// ABOUTME: Usage: fake-tools [-addr localhost:9999] [-name "fake-tools"], then register it with /api/mcp/add_server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	addr := flag.String("addr", "localhost:9999", "HTTP listen address")
	name := flag.String("name", "fake-tools", "Server name reported to clients")
	flag.Parse()

	if err := run(*addr, *name); err != nil {
		log.Fatal(err)
	}
}

func newServer(name string) *server.MCPServer {
	s := server.NewMCPServer(name, "0.1.0",
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the text back, optionally upper-cased."),
		mcp.WithString("text", mcp.Required(), mcp.Description("text to echo")),
		mcp.WithBoolean("shout", mcp.Description("upper-case the reply")),
	), handleEcho)

	s.AddTool(mcp.NewTool("clock",
		mcp.WithDescription("Current time in UTC, RFC 3339."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleClock)

	s.AddPrompt(mcp.NewPrompt("greet",
		mcp.WithPromptDescription("Ask the model to greet someone."),
		mcp.WithArgument("name", mcp.ArgumentDescription("who to greet"), mcp.RequiredArgument()),
	), handleGreet)

	s.AddResource(mcp.NewResource(aboutURI, "about",
		mcp.WithResourceDescription("What this server is."),
		mcp.WithMIMEType("text/plain"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "text/plain",
			Text:     name + " is a fake tool agent for coven-rooms",
		}}, nil
	})

	return s
}

const aboutURI = "info://fake-tools/about"

func handleGreet(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	who := req.Params.Arguments["name"]
	if who == "" {
		return nil, errors.New("greet: name is required")
	}
	return mcp.NewGetPromptResult("greeting", []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("Say hello to "+who)),
	}), nil
}

func handleEcho(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	text, ok := args["text"].(string)
	if !ok || text == "" {
		return mcp.NewToolResultError("echo: text is required"), nil
	}
	if shout, _ := args["shout"].(bool); shout {
		text = strings.ToUpper(text)
	}
	return mcp.NewToolResultText(text), nil
}

func handleClock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(time.Now().UTC().Format(time.RFC3339)), nil
}

func run(addr, name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewStreamableHTTPServer(newServer(name)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("fake tool agent %q listening on http://%s\n", name, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
