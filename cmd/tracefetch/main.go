// Command tracefetch downloads Climate TRACE country emissions packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/eunmann/tracefetch/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
