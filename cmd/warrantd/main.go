package main

import (
	"fmt"
	"io"
	"os"

	"github.com/strataplane/warrant/pkg/config"
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(config.Load(), stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(config.Load(), stderr)
	case "doctor":
		return runDoctor(config.Load(), stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "warrantd %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: warrantd [command]

Commands:
  server    Run the authority & execution API (default)
  doctor    Validate configuration and storage connectivity
  version   Print version`)
}
