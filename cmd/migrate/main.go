package main

import (
	"os"

	"admitflow/cmd/cli"
)

// migrate [--config file] [--seed]
func main() {
	cli.ExecuteArgs(append([]string{"migrate"}, os.Args[1:]...))
}
