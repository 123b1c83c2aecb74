package main

import (
	"os"

	"github.com/nkkko/packlock/apps/packlock/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
