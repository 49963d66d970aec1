package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "tail":
		runTail(args)
	case "drop":
		runDrop(args)
	case "version":
		fmt.Printf("shapectl version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`shapectl - Shapesync client tool

Usage:
  shapectl <command> [options]

Commands:
  tail      Follow a shape: print the snapshot, then live changes
  drop      Invalidate a shape so the next subscriber rebuilds it
  version   Print version
  help      Show this help

Tail Options:
  --url       Shape API base URL (default: http://127.0.0.1:4680)
  --table     Table to follow (required)
  --where     Row filter, e.g. "priority > 3"
  --secret    Auth secret, sent as X-Shapesync-Secret
  --from      Resume offset (default: -1 = full snapshot)
  --shape-id  Shape id to resume with (required when --from is not -1)

Drop Options:
  --url       Shape API base URL (default: http://127.0.0.1:4680)
  --table     Table of the shape (required)
  --where     Row filter of the shape
  --secret    Auth secret
  --shape-id  Shape id to invalidate (required)`)
}
