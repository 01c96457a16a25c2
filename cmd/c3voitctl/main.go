package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/c3voit/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "extract":
		cmdExtract(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: c3voitctl <command> [options]

Commands:
  extract       Run one extraction against in-process fixture tiers and print the certificate
  keys          Manage API keys (list|set|delete <provider>)
  init-config   Generate default config file
  version       Print version information
  help          Show this help message

Options (with 'extract'):
  --text        Canonical text to extract from (required)
  --fields      Comma-separated required fields (default: "name,email")
  --quality     Quality target in [0,1] (default: 0.8)
  --budget      Budget in effort units (default: 1.0)
  --config      Path to a c3voit.toml config file`)
}
