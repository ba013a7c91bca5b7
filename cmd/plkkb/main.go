// Command plkkb runs one hybrid search query against a configured Engine
// and prints the Response as JSON. It is a thin demonstration of the public
// API, not a server — see the root plkkb package for embedding the Engine
// into a larger service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jameslatto-droid/plk-kb"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	query := flag.String("query", "", "search query text (required)")
	roles := flag.String("roles", "viewer", "comma-separated requester roles")
	projectCodes := flag.String("project-codes", "", "comma-separated requester project codes")
	discipline := flag.String("discipline", "", "requester discipline")
	topK := flag.Int("top-k", 0, "result count (0 uses the configured default)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "plkkb: -query is required")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := plkkb.New(plkkb.WithLogger(logger), plkkb.WithModelVersion(version))
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	defer func() {
		if err := engine.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
	}()

	go func() {
		if err := engine.Run(ctx); err != nil {
			slog.Warn("merkle batching loop stopped", "error", err)
		}
	}()

	authCtx := plkkb.AuthorityContext{
		User:         "cli",
		Roles:        splitNonEmpty(*roles),
		ProjectCodes: splitNonEmpty(*projectCodes),
		Discipline:   *discipline,
	}

	resp, err := engine.HybridSearch(ctx, *query, authCtx, *topK)
	if err != nil {
		slog.Error("hybrid search failed", "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		slog.Error("encode response failed", "error", err)
		return 1
	}
	return 0
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
