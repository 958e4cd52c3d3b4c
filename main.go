package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oo-developer/cardreader/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

type app struct {
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
	log    *logrus.Logger
}

type command struct {
	name  string
	usage string
	run   func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{"read", "read a MIFARE Classic card from a reader or an image and print it as JSON", (*app).cmdRead},
	{"info", "list readers and identify the card on one of them", (*app).cmdInfo},
	{"keyhash", "hash a key with a salt, or check it against published hashes", (*app).cmdKeyHash},
	{"tlv", "decode BER-TLV, SIMPLE-TLV, COMPACT-TLV, DOL or ATR bytes", (*app).cmdTLV},
	{"import-keys", "import per-card key files into the key store", (*app).cmdImportKeys},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cardreader", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Bool("v", false, "enable debug logging")
	logFormat := fs.String("log-format", "", "log format: auto, text or json")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: cardreader [flags] <command> [args]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %-12s %s\n", c.name, c.usage)
		}
		fmt.Fprintf(stderr, "\nflags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "[ERROR] %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}

	a := &app{stdout: stdout, stderr: stderr, cfg: cfg, log: newLogger(cfg, stderr)}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(a, ctx, fs.Args()[1:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			a.log.WithError(err).WithField("command", name).Error("command failed")
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "[ERROR] unknown command %q\n", name)
	fs.Usage()
	return 2
}

// newLogger picks a text formatter on a terminal and JSON otherwise, unless
// the config names one.
func newLogger(cfg *config.Config, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(cfg.LogLevel())

	format := strings.ToLower(cfg.Log.Format)
	if format == "auto" || format == "" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
