// Command rvcore boots and single-steps the hartcore RV64IMAC_Zicsr_Zifencei
// VM core. Subcommands mirror the teacher's cmd/cc split between a full
// interactive run and narrower debug entry points (cmd/debug).
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "step":
		err = stepCommand(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "rvcore: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "rvcore: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rvcore <command> [flags]

commands:
  run    boot a kernel image and run until halt or interrupt
  step   single-step a hart, printing state after each instruction`)
}
