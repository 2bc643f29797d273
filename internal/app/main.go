package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	return mainWithIO(args, os.Stdout, os.Stderr)
}

func mainWithIO(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printHelp(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "replay":
		return replayCmd(args[2:], stdout, stderr)
	case "move":
		return moveCmd(args[2:], stdout, stderr)
	case "purge":
		return purgeCmd(args[2:], stdout, stderr)
	case "damaged":
		return damagedCmd(args[2:], stdout, stderr)
	case "config":
		return configCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printHelp(stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "queuestash")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  queuestash run --config ./Queuestashfile [--watch] [--pid-file ./queuestash.pid] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  queuestash replay --config ./Queuestashfile [--ledger NAME] [--limit N]")
	fmt.Fprintln(w, "  queuestash move --config ./Queuestashfile --from A --to B [--type T] [--selector \"k = 'v'\"] [--max-messages N] [--time-limit D]")
	fmt.Fprintln(w, "  queuestash purge --config ./Queuestashfile --store NAME --older-than D [--gateway G]")
	fmt.Fprintln(w, "  queuestash damaged list --config ./Queuestashfile [--ledger NAME] [--limit N]")
	fmt.Fprintln(w, "  queuestash config fmt --config ./Queuestashfile [--write]")
	fmt.Fprintln(w, "  queuestash config validate --config ./Queuestashfile --format json|text")
	fmt.Fprintln(w, "  queuestash version [--long] [--json]")
}
