package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "updategate")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  updategate run --secret env:UPDATEGATE_SECRET [--listen :8080] [--db ./.data/updategate.db | --postgres-dsn postgres://... | --store memory] [--forward-url http://127.0.0.1:9000/updates] [--pid-file ./updategate.pid] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  updategate version [--long] [--json]")
}
