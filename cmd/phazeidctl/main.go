// Command phazeidctl drives a phazeid server through the encrypted tunnel
// and benchmarks the session store.
//
//	phazeidctl signup alice alice@example.com --captcha <token>
//	phazeidctl login alice --captcha <token>
//	phazeidctl --session <token> change-password
//	phazeidctl bench --sessions 10000
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
