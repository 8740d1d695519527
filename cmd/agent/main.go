// Command agent is the operator-facing CLI for device configuration: today
// just "validate", with room for the other inspection subcommands operators
// ask for as the fleet grows.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"edge-node-agent/internal/config"
	"edge-node-agent/internal/models"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "agent: unknown subcommand %q\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: agent validate <config.yaml>")
		return 1
	}

	path := fs.Arg(0)
	if _, err := config.Load(path); err != nil {
		fmt.Fprintln(stderr, formatConfigError(path, err))
		return 1
	}

	fmt.Fprintf(stdout, "%s: valid\n", path)
	return 0
}

// formatConfigError renders a models.ConfigError as a path-qualified
// message; any other error is printed as-is.
func formatConfigError(path string, err error) string {
	var cfgErr *models.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Field != "" {
		return fmt.Sprintf("%s: field '%s': %v", path, cfgErr.Field, cfgErr.Err)
	}
	return fmt.Sprintf("%s: %v", path, err)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: agent <subcommand> [args]")
	fmt.Fprintln(w, "subcommands:")
	fmt.Fprintln(w, "  validate <config.yaml>   validate a device configuration file")
}
