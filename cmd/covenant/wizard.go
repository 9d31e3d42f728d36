package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/covenant-labs/covenant/pkg/bootstrap"
)

// runWizard builds an agent capability manifest from a definition,
// either read from --definition or gathered interactively.
//
// Exit codes:
//
//	0 = manifest written
//	1 = bootstrap failed
//	2 = flag misuse or aborted input
func runWizard(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("wizard", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		configPath string
		format     string
		defPath    string
		outPath    string
	)
	cmd.StringVar(&root, "root", "", "Data directory (overrides config)")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&format, "format", "json", "Output format: json, yaml")
	cmd.StringVar(&defPath, "definition", "", "Agent definition file (JSON or markdown frontmatter); skips prompts")
	cmd.StringVar(&outPath, "out", "", "Write the manifest to this file instead of stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !validFormat(format, false) {
		_, _ = fmt.Fprintf(stderr, "Error: unsupported format %q (want json or yaml)\n", format)
		return 2
	}
	if _, err := loadConfig(configPath, root); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var input any
	if defPath != "" {
		input = defPath
	} else {
		def, ok := promptDefinition(stdin, stderr)
		if !ok {
			_, _ = fmt.Fprintln(stderr, "Aborted.")
			return 2
		}
		input = def
	}

	bs, err := bootstrap.NewBootstrapper(bootstrap.Config{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	result, err := bs.Bootstrap(input)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	for _, w := range result.Warnings {
		_, _ = fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	for _, s := range result.Suggestions {
		_, _ = fmt.Fprintf(stderr, "suggestion: %s\n", s)
	}

	var data []byte
	switch format {
	case "yaml":
		data, err = yaml.Marshal(result.Manifest)
	default:
		data, err = json.MarshalIndent(result.Manifest, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Manifest for %s%s%s written to %s (%d capabilities)\n",
			ColorBold+ColorGreen, result.Manifest.AgentID, ColorReset,
			outPath, len(result.Manifest.Capabilities))
		return 0
	}

	_, _ = fmt.Fprint(stdout, string(data))
	return 0
}

// promptDefinition gathers a definition from the terminal. Returns
// false when input ends before a name is given.
func promptDefinition(stdin io.Reader, stderr io.Writer) (map[string]any, bool) {
	scanner := bufio.NewScanner(stdin)

	var name string
	for name == "" {
		line, ok := promptLine(scanner, stderr, "Agent name (required): ")
		if !ok {
			return nil, false
		}
		name = line
	}

	description, _ := promptLine(scanner, stderr, "Description (what does this agent do?): ")
	tier, _ := promptLine(scanner, stderr, "Tier [workspace]: ")
	version, _ := promptLine(scanner, stderr, "Version [1.0.0]: ")

	def := map[string]any{
		"name":        name,
		"description": description,
	}
	metadata := map[string]any{}
	if tier != "" {
		metadata["tier"] = tier
	}
	if version != "" {
		metadata["version"] = version
	}
	if len(metadata) > 0 {
		def["metadata"] = metadata
	}
	return def, true
}

func promptLine(scanner *bufio.Scanner, stderr io.Writer, prompt string) (string, bool) {
	_, _ = fmt.Fprint(stderr, prompt)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}
