package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/andrelcm/zapkeeper/internal/config"
	"github.com/andrelcm/zapkeeper/internal/daemon"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath(), "config file path")
	sessionFlag := flag.String("session", "", "session id (overrides config)")
	httpFlag := flag.String("http", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *sessionFlag != "" {
		cfg.SessionID = *sessionFlag
	}
	if *httpFlag != "" {
		cfg.HTTPAddr = *httpFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
