package main

import (
	"os"

	"github.com/loqalabs/loqa-speak/cmd/loqa-speak/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
