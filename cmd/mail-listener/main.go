package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cargonotes/internal/config"
	"cargonotes/internal/listener"
	"cargonotes/internal/logutil"
	"cargonotes/internal/storage"
)

func main() {
	once := flag.Bool("once", false, "run a single fetch/process cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	must(err)

	logger, err := logutil.FromConfig(cfg)
	must(err)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	svc := listener.NewService(db, cfg, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		result, err := svc.RunCycle(ctx)
		must(err)
		blob, _ := json.Marshal(result)
		fmt.Println(string(blob))
		return
	}

	logger.Info("mail listener starting",
		"provider", cfg.MailListenerProvider,
		"label", cfg.MailListenerLabel,
		"interval_sec", cfg.MailListenerIntervalSec)
	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
