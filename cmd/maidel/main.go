package main

import (
	"fmt"
	"os"

	"github.com/iambrandonn/maidel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "maidel: %v\n", err)
		os.Exit(1)
	}
}
