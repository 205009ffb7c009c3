package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/smell-of-curry/gatekeeper/gatekeeper"
)

// main ...
func main() {
	conf, err := gatekeeper.ReadConfig("./config.toml")
	if err != nil {
		panic(err)
	}

	level, err := gatekeeper.ParseLogLevel(conf.Gatekeeper.LogLevel)
	if err != nil {
		panic(err)
	}
	slog.SetLogLoggerLevel(level)
	log := slog.Default()

	if dsn := conf.Gatekeeper.SentryDsn; dsn != "" {
		if err = sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.Error("Failed to initialise sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	g, err := gatekeeper.New(log, conf)
	if err != nil {
		panic(err)
	}
	if err = g.Start(); err != nil {
		g.Close()
		panic(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down...")
	g.Close()
}
