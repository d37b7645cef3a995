package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/research"
)

const usage = `usage:
  researcher research <query...> [-v]
  researcher crawl <site> [--pages N]
  researcher check
`

var errUsage = errors.New("invalid usage")

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = func(cfg config.Config, console io.Writer) (*zap.Logger, func() error, error) {
		return logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, FilePath: cfg.LogFilePath, Console: console})
	}
	newFactory = func(cfg config.Config, logger *zap.Logger) *research.Factory {
		return research.NewFactory(cfg, logger)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLogger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLogger() }()
	factory := newFactory(cfg, logger)

	command, rest := args[0], args[1:]
	switch command {
	case "research":
		return runResearch(ctx, factory, rest, stdout, stderr)
	case "crawl":
		return runCrawl(ctx, factory, cfg, rest, stdout, stderr)
	case "check":
		return runCheck(ctx, factory, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", command, usage)
		return errUsage
	}
}

func runResearch(ctx context.Context, factory *research.Factory, args []string, stdout io.Writer, stderr io.Writer) error {
	flags := pflag.NewFlagSet("research", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	verbose := flags.BoolP("verbose", "v", false, "stream model output and print loop headers")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	query := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if query == "" {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	session, err := factory.NewSession(nil, stdout, *verbose)
	if err != nil {
		return err
	}
	defer session.Close()
	_, err = session.Run(ctx, query)
	return err
}

func runCrawl(ctx context.Context, factory *research.Factory, cfg config.Config, args []string, stdout io.Writer, stderr io.Writer) error {
	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	defaultPages := cfg.AgentCrawlMaxPages
	if defaultPages <= 0 {
		defaultPages = 40
	}
	pages := flags.Int("pages", defaultPages, "maximum pages to crawl")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if flags.NArg() != 1 || *pages <= 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	count, err := factory.Warm(ctx, flags.Arg(0), *pages)
	fmt.Fprintf(stdout, "Crawled %d page(s) into session memory.\n", count)
	return err
}

func runCheck(ctx context.Context, factory *research.Factory, stdout io.Writer) error {
	report, err := factory.Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "provider: %s\ncontext window: %d tokens\n", report.Provider, report.ContextWindow)
	if report.TokenizeErr != nil {
		fmt.Fprintf(stdout, "tokenizer: unavailable (%v); history trimming uses character estimates\n", report.TokenizeErr)
		return nil
	}
	fmt.Fprintf(stdout, "tokenizer: ok (%d tokens for probe)\n", report.ProbeTokens)
	return nil
}
