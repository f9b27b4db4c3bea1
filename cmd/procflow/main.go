// Command procflow deploys process models and runs their instances.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/procflow/internal/cli"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "procflow:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func run(args []string) error {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}
