package main

import (
	"fmt"
	"os"

	"arki-trader/internal/cli"
	"arki-trader/internal/security"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", security.RedactError(err))
		os.Exit(1)
	}
}
