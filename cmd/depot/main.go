package main

import (
	"fmt"
	"os"

	"github.com/vpoletaev/depot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "depot: %v\n", err)
		os.Exit(1)
	}
}
