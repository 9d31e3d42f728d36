// Command covenant is the operational CLI for the delegation control
// plane: a status dashboard over the durable stores and a manifest
// bootstrap wizard.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/covenant-labs/covenant/pkg/config"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "dashboard":
		return runDashboard(args[2:], os.Stdin, stdout, stderr)
	case "wizard":
		return runWizard(args[2:], os.Stdin, stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "covenant v%s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCovenant Control Plane %sv%s%s\n", ColorBold+ColorBlue, ColorBold, version, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The control plane decides.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  covenant <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "OPERATIONS")
	printCommand(w, "dashboard", "Show contract, audit, and tool-server status (--format json|yaml)")
	printCommand(w, "wizard", "Bootstrap an agent capability manifest (--definition, --out)")
	printCommand(w, "export", "Publish an audit evidence pack (--agent, --since, --s3-bucket)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sGLOBAL FLAGS:%s --root <data dir>  --config <file>  --format {json,yaml}\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig resolves the effective configuration for a subcommand.
// --config points at a YAML file; --root overrides the data directory
// after the file and environment are applied.
func loadConfig(configPath, root string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.DataDir = root
	}
	return cfg, nil
}

func validFormat(format string, allowText bool) bool {
	switch format {
	case "json", "yaml":
		return true
	case "text":
		return allowText
	default:
		return false
	}
}
