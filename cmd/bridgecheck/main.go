package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/park285/mc-authbridge/internal/app"
	"github.com/park285/mc-authbridge/internal/config"
	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

func main() {
	window := flag.Duration("window", 10*time.Second, "how long to print inbound envelopes")
	player := flag.String("player", "", "optional player name for the status request")
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer obslog.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, obslog.L())
	if err != nil {
		log.Fatalf("init error: %v", err)
	}

	if err := deps.Health(ctx); err != nil {
		log.Printf("health: %v", err)
	} else {
		log.Printf("health ok (primary=%s secondary=%s)", cfg.TransportPrimary, orNone(cfg.TransportSecondary))
	}

	sub := deps.Bus.Subscribe()
	defer sub.Close()

	runCtx, cancel := context.WithTimeout(ctx, *window)
	defer cancel()
	var wg sync.WaitGroup
	deps.StartConsumers(runCtx, &wg)

	res, err := deps.Dispatcher.PlayerRequest(runCtx, envelope.RequestStatus, *player, nil)
	if err != nil {
		log.Printf("status request failed: %v", err)
	} else {
		log.Printf("status request sent via %s (fell back: %t, attempts: %d)", res.Transport, res.FellBack, res.Attempts)
	}

	// Observe for the window
	seen := 0
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case env, ok := <-sub.C:
			if !ok {
				break loop
			}
			seen++
			fmt.Fprintf(os.Stdout, "%s type=%s source=%s data=%s\n", env.Timestamp, env.Type, env.Source, env.Data)
		}
	}
	log.Printf("received %d envelope(s)", seen)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	deps.Close(closeCtx)
	wg.Wait()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
