// Command crowsnest runs the correlation and escalation engine over a
// raw security event log.
//
//	crowsnest run      follow the event log and fold it into incidents
//	crowsnest replay   rebuild incident state from the log
//	crowsnest verify   prove a rebuild matches the live store
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runEngineCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "crowsnest "+version)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

var version = "1.0.0"

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: crowsnest <command> [flags]

Commands:
  run      fold the raw event log into incidents (follow or drain mode)
  replay   rebuild incident state from the raw log into a fresh store
  verify   rebuild and compare the graph hash against the live store
  version  print the version

Configuration is read from CROWSNEST_* environment variables.`)
}
