// Command mcp exposes the relayer's operator actions (commitment lifecycle,
// payout runs, health) as MCP tools over stdio.
//
// Environment:
//
//	RELAYER_API_URL   base URL of a running relayer (default http://localhost:8080)
//	RELAYER_TIMEOUT   per-call timeout, e.g. 3m (default 5m; submissions wait for confirmation)
package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zkmarket/relayer/internal/logging"
	"github.com/zkmarket/relayer/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWriter(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg := mcpserver.Config{APIURL: "http://localhost:8080"}
	if v := os.Getenv("RELAYER_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("RELAYER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid RELAYER_TIMEOUT", "value", v, "error", err)
			os.Exit(2)
		}
		cfg.Timeout = d
	}

	logger.Info("mcp server starting", "api", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
