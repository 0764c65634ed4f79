// Package main is the entry point for the threatwatch detection service.
package main

import (
	"fmt"
	"os"

	"threatwatch/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
