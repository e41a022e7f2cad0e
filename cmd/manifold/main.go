package main

import (
	"os"

	"github.com/bobisme/manifold/cmd/manifold/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		if code := commands.ExitCode(err); code != 0 {
			os.Exit(code)
		}
		os.Exit(1)
	}
}
