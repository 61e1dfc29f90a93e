package main

import (
	"os"

	"github.com/spigell/delivery-engine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
