package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/mcprun/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		var outErr *cli.OutcomeError
		if errors.As(err, &outErr) {
			// outcome already reported on stdout
			os.Exit(outErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitError)
	}
}
