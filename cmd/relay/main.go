// Relay delivers scheduled insights from the backend API to a phone
// over a persistent messaging session (signal-cli or Twilio WhatsApp).
//
// Usage:
//
//	relay serve              Run the scheduler until SIGINT/SIGTERM
//	relay fire <job>         Fetch and deliver one job now
//	relay history [job]      Show recent executions
//	relay next               Show upcoming firing instants
//	relay init [dir]         Write an example config.yaml
//	relay version            Print version and build information
//	relay -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata" // schedules name IANA zones; containers often lack zoneinfo

	"github.com/nugget/insight-relay/internal/buildinfo"
	"github.com/nugget/insight-relay/internal/config"
)

// main only builds the OS environment and hands it to run, keeping
// os.Exit and os.Args out of the code paths tests drive.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point. ctx bounds the process lifetime,
// stdout receives logs and command output, stderr fatal messages, and
// args is os.Args[1:]. Arguments are parsed by hand so run has no
// package-level flag state and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "fire":
		if len(cmdArgs) != 1 {
			return errors.New("usage: relay fire <job>")
		}
		return runFire(ctx, stdout, opts, cmdArgs[0])
	case "history":
		job := ""
		if len(cmdArgs) > 0 {
			job = cmdArgs[0]
		}
		return runHistory(stdout, opts, job)
	case "next":
		return runNext(stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Relay - scheduled insight delivery")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: relay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the scheduler and messaging session")
	fmt.Fprintln(w, "  fire <job>     Fetch and deliver one job immediately")
	fmt.Fprintln(w, "  history [job]  Show recent executions")
	fmt.Fprintln(w, "  next           Show upcoming firing instants")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/insight-relay/config.yaml, /etc/insight-relay/config.yaml")
	fmt.Fprintln(w, "Without a config file, settings come from the environment and ./.env.")
	return nil
}

// loadConfig reads .env, then the config file (or the environment
// alone when no file exists), and validates the result. The returned
// path is empty for environment-only configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		cfg, err = config.FromEnv()
		if err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger returns a logger at the configured level and format.
// Validate has already checked the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
