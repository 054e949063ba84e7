package main

import (
	"os"

	"github.com/choices-project/dpop-go/cmd/dpopctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
