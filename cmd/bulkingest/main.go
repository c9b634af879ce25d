// Package main is the bulkingest CLI: an HTTP service for asynchronous CSV
// ingestion and a one-shot import command.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
