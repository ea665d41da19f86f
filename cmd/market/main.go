// Command market is the matching and negotiation node.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "flatten":
		return runFlattenCmd(args[2:], stdout, stderr)
	case "parse":
		return runParseCmd(args[2:], stdout, stderr)
	case "match":
		return runMatchCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  market <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "flatten", "Flatten a JSON property bag into key=value lines")
	printCommand(w, "parse", "Parse a constraint filter and print the expression")
	printCommand(w, "match", "Weak-match a demand against an offer")
	printCommand(w, "demo", "Negotiate an agreement between in-process nodes")
	printCommand(w, "serve", "Run a node over Redis (configured from MARKET_* env)")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
