package main

import (
	"os"

	"github.com/austindbirch/impact_relay/cmd/impactctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
