// Command export writes every verification record in the configured store to
// a CSV file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/smell-of-curry/gatekeeper/gatekeeper"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/export"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path of the bot configuration")
	out := flag.String("out", export.FileName(time.Now()), "path of the CSV file to write")
	flag.Parse()

	log := slog.Default()
	conf, err := gatekeeper.ReadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	p, closer, err := gatekeeper.NewPersistence(context.Background(), conf)
	if err != nil {
		panic(err)
	}
	defer closer()

	s := store.New(log, p)
	if err = s.Load(); err != nil {
		panic(err)
	}
	records := s.Verifications()

	f, err := os.Create(*out)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	bar := progressbar.Default(int64(len(records)), "Exporting verified users")
	if err = export.Write(f, records, func() { _ = bar.Add(1) }); err != nil {
		panic(err)
	}
	log.Info("Exported verified users", "count", len(records), "file", *out)
}
