// Package main implements the taskgc CLI tool.
//
// The taskgc tool exercises the managed runtime from the command line:
//
//  1. Exploring task interleavings of built-in scenarios exhaustively
//  2. Stress-running the collector under threaded allocation load
//  3. Checking that a host project's go.mod pulls in a compatible
//     runtime version
//
// Usage:
//
//	taskgc explore <scenario>   # Exhaustively explore a scenario
//	taskgc stress [seconds]     # Threaded GC stress run
//	taskgc check [dir]          # Validate a project's taskgc dependency
//
// This is the CLI entry point for the standalone tool.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/taskgc/rt"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "explore":
		exploreCommand(os.Args[2:])
	case "stress":
		stressCommand(os.Args[2:])
	case "check":
		checkCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("taskgc version %s\n", rt.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`taskgc - managed runtime workbench

USAGE:
    taskgc <command> [arguments]

COMMANDS:
    explore    Exhaustively explore a concurrency scenario
    stress     Stress the collector with threaded allocation load
    check      Validate a project's taskgc dependency
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Prove the crossed-rendezvous scenario deadlocks on every schedule
    taskgc explore crossed

    # Show a producer/consumer scenario is deadlock free
    taskgc explore pingpong

    # Hammer the collector for five seconds
    taskgc stress 5

    # Check the current project's go.mod
    taskgc check .

SCENARIOS:
    crossed    Two tasks crossing capacity-0 sends (always deadlocks)
    pingpong   Send/receive pair over two rendezvous channels
    pipeline   Producer, relay and consumer over buffered channels

ENVIRONMENT:
    TASKGC_MAX_SCHEDULES   Cap on explored schedules
    TASKGC_MAX_DEPTH       Cap on choice points per schedule
    TASKGC_SEED            Seed for randomized runs

FOR MORE INFORMATION:
    Repository: https://github.com/kolkov/taskgc

`)
}
