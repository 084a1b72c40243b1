package main

import (
	"os"

	"github.com/devmesh/devmesh/cmd/devmesh/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
