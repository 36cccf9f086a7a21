package main

import (
	"os"

	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
