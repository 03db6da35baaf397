package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
)

var (
	configPath = flag.String("config", "", "Path to a YAML, TOML or JSON config file")
	dbPath     = flag.String("db", "", "Path to database, overrides the db config key")

	// Set by the first SIGINT. Commands stop picking up new work, a second
	// SIGINT cancels the context.
	lameduck atomic.Bool
	drain    = make(chan struct{})
)

var errUsage = errors.New("usage")

const usage = `usage: captioner [flags] <command> [args]

commands:
  caption [-tone t] [-lang l] [-keyword k] [-page url] [-regenerate] <file or url>
  batch [-n count] <dir>
  history [-q term] | history clear | history stats
  export [-format csv|json] [-o file]
  import <file>
  settings | settings set key=value... | settings reset | settings test | settings export [-o file]
  serve

flags:
`

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck.Load() {
			// Already in lame duck, hard stop
			fmt.Fprintln(os.Stderr, "Exiting")
			cancel()
			return
		}
		fmt.Fprintln(os.Stderr, "Interrupt received, stopping...")
		lameduck.Store(true)
		close(drain)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "caption":
		return a.runCaption(ctx, args)
	case "batch":
		return a.runBatch(ctx, args)
	case "history":
		return a.runHistory(ctx, args)
	case "export":
		return a.runExport(ctx, args)
	case "import":
		return a.runImport(ctx, args)
	case "settings":
		return a.runSettings(ctx, args)
	case "serve":
		return a.runServe(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Optional, the environment wins over .env
	_ = godotenv.Load()

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sighandler(sigch, cancel)

	if err := run(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
