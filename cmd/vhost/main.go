package main

import (
	"flag"
	"log"
	"net/netip"

	"stcp/pkg/config"
	"stcp/pkg/logging"
	"stcp/pkg/repl"
	"stcp/pkg/stcp"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	bind := flag.String("bind", "127.0.0.1", "address listeners bind to")
	mss := flag.Int("mss", stcp.DefaultMSS, "maximum segment payload")
	window := flag.Int("window", stcp.DefaultWindow, "advertised receive window")
	sendBuf := flag.Int("send-buffer", stcp.DefaultSendBufferSize, "max unacknowledged bytes")
	rto := flag.Duration("rto", stcp.DefaultRTO, "initial retransmission timeout")
	rtoMin := flag.Duration("rto-min", stcp.DefaultRTOMin, "lower bound for the retransmission timeout")
	rtoMax := flag.Duration("rto-max", stcp.DefaultRTOMax, "upper bound for the retransmission timeout")
	maxRetries := flag.Int("max-retries", stcp.DefaultMaxRetries, "timeouts without progress before a connection fails")
	linger := flag.Duration("linger", stcp.DefaultLinger, "time a closed connection keeps answering FINs (negative disables)")
	iss := flag.Int64("iss", -1, "fixed initial sequence number (-1 for random)")
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

	bindAddr, err := netip.ParseAddr(*bind)
	if err != nil {
		log.Fatalf("bad -bind: %v", err)
	}

	cfg := stcp.Config{
		MSS:            *mss,
		Window:         *window,
		SendBufferSize: *sendBuf,
		RTO:            *rto,
		RTOMin:         *rtoMin,
		RTOMax:         *rtoMax,
		MaxRetries:     *maxRetries,
		Linger:         *linger,
		Logger:         logger,
	}
	if cfg.ISS, err = stcp.ISSFromFlag(*iss); err != nil {
		log.Fatalf("bad -iss: %v", err)
	}

	stack := stcp.NewStack(cfg)
	defer stack.Close()
	repl.StartRepl(stack, bindAddr)
}
