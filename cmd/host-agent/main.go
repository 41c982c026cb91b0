// Command host-agent is the operator CLI and daemon for a Fabstir host
// node: it supervises the inference binary, accounts session tokens into
// proof checkpoints, and drives all on-chain operator transactions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
}
