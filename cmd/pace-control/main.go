package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/card"
	"github.com/teslamotors/pace-terminal/pkg/cli"
	"github.com/teslamotors/pace-terminal/pkg/metrics"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

const envLogLevel = "PACE_LOG_LEVEL"

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Commands are sent to the card in the selected reader (-reader), or to a simulated chip (-simulate).
 * Commands that need Secure Messaging run PACE first if no session exists.
 * The card secret is read from $PACE_PASSWORD, the keyring entry named by -secret-name, or a prompt.
 * Without a COMMAND, commands are read from stdin.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(config *cli.Config, handle *card.Card, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, config, handle, args); err != nil {
		var statusErr *card.StatusError
		switch {
		case errors.Is(err, card.ErrNoSession):
			writeErr("Run pace first to establish a Secure Messaging session")
		case errors.As(err, &statusErr):
			writeErr("Card refused command: %s", err)
		case protocol.KindOf(err) == protocol.KindIntegrityFailure:
			writeErr("Secure Messaging failed, session ended: %s", err)
		default:
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(config *cli.Config, handle *card.Card, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			printHelp(args)
			continue
		}
		runCommand(config, handle, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func printHelp(args []string) bool {
	if len(args) == 1 {
		Usage()
		return true
	}
	info, ok := commands[args[1]]
	if !ok {
		writeErr("Unrecognized command: %s", args[1])
		return false
	}
	info.Usage(args[1])
	return true
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Metrics server error: %s", err)
	}
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		logLevel       string
		metricsAddr    string
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		writeErr("Failed to load configuration: %s", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages, including raw APDUs")
	flag.StringVar(&logLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $PACE_LOG_LEVEL.")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on `address` (e.g. localhost:9464)")
	flag.DurationVar(&commandTimeout, "command-timeout", 10*time.Second, "Set timeout for commands sent to the card, including PACE.")
	flag.DurationVar(&connTimeout, "connect-timeout", 20*time.Second, "Set timeout for connecting to the reader.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if logLevel == "" {
		logLevel = os.Getenv(envLogLevel)
	}
	if debug {
		logLevel = "debug"
	}
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			writeErr("%s", err)
			return
		}
		log.SetLevel(level)
	}
	config.ReadFromEnvironment()
	if err := config.LoadProfile(); err != nil {
		writeErr("Error loading profile: %s", err)
		return
	}

	args := flag.Args()
	var info *Command
	if len(args) > 0 {
		if args[0] == "help" {
			if printHelp(args) {
				status = 0
			}
			return
		}
		var ok bool
		if info, ok = commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	} else {
		metrics.Disable()
	}

	var handle *card.Card
	if info == nil || info.requiresCard {
		ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
		defer cancel()

		handle, err = config.Connect(ctx)
		if err != nil {
			writeErr("Error: %s", err)
			return
		}
		defer handle.Close()
		defer config.UpdateCachedSession(handle)
		log.Info("Connected to %s", handle.Reader())
	}

	if len(args) > 0 {
		status = runCommand(config, handle, args, commandTimeout)
	} else {
		status = runInteractiveShell(config, handle, commandTimeout)
	}
}
