// Command peer keeps a connection to a relay hub open, prints every frame it
// receives and sends each line read from stdin as one frame.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/config"
	"github.com/portrelay/relay/internal/logger"
	"github.com/portrelay/relay/internal/model"
	"github.com/portrelay/relay/internal/peer"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "Path to a peer TOML configuration file")
	endpoint := flag.String("endpoint", "", "Hub WebSocket URL, overrides the configuration")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadPeer(*configPath)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *debugMode {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	if err := logger.Setup(cfg.LogLevel, logger.Format(cfg.LogFormat)); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	sup, err := peer.NewSupervisor(peer.Options{
		Endpoint:           cfg.Endpoint,
		Backoff:            peer.Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		DialTimeout:        cfg.DialTimeout,
		PongWait:           cfg.PongWait,
		MessageBuffer:      cfg.MessageBuffer,
		ConnectivityBuffer: cfg.ConnectivityQueue,
	})
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Relay peer %s -> %s", sup.InstanceID(), cfg.Endpoint))
	pterm.Println()

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	go printConnectivity(sup.Connectivity())
	go printMessages(sup.Messages())
	go readInput(ctx, sup, stop)

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Supervisor stopped")
		os.Exit(1)
	}
}

func printConnectivity(updates <-chan bool) {
	for up := range updates {
		if up {
			pterm.Success.Println("Connected to hub")
		} else {
			pterm.Warning.Println("Lost connection to hub, reconnecting")
		}
	}
}

func printMessages(messages <-chan string) {
	for msg := range messages {
		pterm.Println(pterm.Cyan("< ") + msg)
	}
}

// readInput sends stdin line by line. End of input stops the peer.
func readInput(ctx context.Context, sup *peer.Supervisor, stop context.CancelFunc) {
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := sup.Send(line); err != nil {
			if errors.Is(err, model.ErrNotConnected) {
				pterm.Warning.Println("Not connected, message dropped")
				continue
			}
			pterm.Error.Println(err.Error())
		}
	}
}
