package main

import (
	"os"

	"github.com/flotilla-dev/flotilla/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
