// Command quince is a minimal QUIC client for exercising the transport
// package end to end.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: quince <command> [options]")
		fmt.Fprintln(os.Stderr, "Commands: client")
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "client":
		err = clientCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "quince: unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "quince:", err)
		os.Exit(1)
	}
}
