// Command browsermirror mirrors the browsing contexts of Chromium based
// browsers and drives fleets of them through a search scenario.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/browsermirror/browserprocess"
	"github.com/grafana/browsermirror/env"
)

func main() {
	os.Exit(run(os.Args[1:], env.Lookup, os.Stdout, os.Stderr))
}

// run executes the command line in args. The first interrupt cancels the
// command and lets it release its browsers, the second kills them.
func run(args []string, lookup env.LookupFunc, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigC:
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigC:
			browserprocess.ForceProcessShutdown(context.Background())
			os.Exit(130)
		case <-done:
		}
	}()

	root := newRootCommand(ctx, lookup, stdout, stderr)
	root.cmd.SetArgs(args)
	err := root.cmd.Execute()
	if ctx.Err() != nil {
		browserprocess.ForceProcessShutdown(context.Background())
	}
	if err != nil {
		_, _ = io.WriteString(stderr, failColor.Sprint("error: ")+err.Error()+"\n")
		return 1
	}
	return 0
}
