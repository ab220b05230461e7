package main

import (
	"os"

	"xlink/cmd/xlink-demo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
