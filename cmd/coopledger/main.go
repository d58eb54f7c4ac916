package main

import (
	"os"

	"github.com/hongminglow/coop-ledger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
