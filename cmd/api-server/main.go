package main

import (
	"os"

	"github.com/fisker/dbm-flow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
