package main

import (
	"fmt"
	"os"
)

// set by -ldflags at build time
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kinagate:", err)
		os.Exit(1)
	}
}
