package main

import (
	"os"

	"github.com/devit-tools/devit-mcpd/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
