package main

import (
	"fmt"
	"os"

	"ai-interview-session-client/internal/cli"
	"ai-interview-session-client/internal/config"
)

func main() {
	cfg := config.Load()

	if err := cli.NewRootCmd(&cli.Dependencies{Config: cfg}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
