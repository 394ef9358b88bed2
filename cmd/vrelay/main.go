package main

import (
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"stcp/pkg/config"
	"stcp/pkg/logging"
	"stcp/pkg/network"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	listen := flag.String("listen", "127.0.0.1:9000", "address clients send to")
	target := flag.String("target", "", "address of the host behind the relay")
	loss := flag.Float64("loss", 0, "probability of dropping a datagram, each way")
	seed := flag.Uint64("seed", 1, "loss pattern seed")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if err := config.ApplyToFlags(cfg); err != nil {
			log.Fatalf("apply config: %v", err)
		}
	}

	logger := logging.Setup(*logLevel, *logFormat)

	laddr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		log.Fatalf("bad -listen: %v", err)
	}
	taddr, err := netip.ParseAddrPort(*target)
	if err != nil {
		log.Fatalf("bad -target: %v", err)
	}

	r, err := network.NewRelay(network.RelayConfig{
		Listen: laddr,
		Target: taddr,
		Loss:   *loss,
		Seed:   *seed,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
	slog.Info("relaying", "listen", r.Addr(), "target", taddr, "loss", *loss)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		r.Close()
	}()
	if err := r.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
