package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/mirror"
)

type cmdWatch struct {
	root     *rootCommand
	isolated bool
	duration time.Duration
}

func getWatchCmd(root *rootCommand) *cobra.Command {
	c := &cmdWatch{root: root}
	cmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "mirror a browsing context and print its changes",
		Long: `Acquire a browsing context, optionally load url in it, and print the
title changes, captured frames and network exchanges of every context of
the browser until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.run,
	}
	cmd.Flags().BoolVar(&c.isolated, "isolated", false, "acquire the context in its own browser context")
	cmd.Flags().DurationVar(&c.duration, "duration", 0, "stop after this long, 0 waits for an interrupt")
	return cmd
}

func (c *cmdWatch) run(_ *cobra.Command, args []string) (err error) {
	kind := mirror.ParseKind(c.root.kind)
	if !kind.Supported() {
		return &mirror.UnsupportedKindError{Kind: kind}
	}

	rt, err := c.root.newRuntime(kind)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(); cerr != nil && err == nil {
			err = cerr
		}
		printSummary(c.root.stdout, rt.metrics)
	}()

	ctx := c.root.ctx
	if c.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.duration)
		defer cancel()
	}

	page, err := rt.coord.AcquireContext(ctx, kind, c.isolated)
	if err != nil {
		return fmt.Errorf("acquiring a context: %w", err)
	}
	out := c.root.stdout
	out.Printf("%s %s %s\n", bannerColor.Sprint("browser"), kind, detailColor.Sprint(rt.coord.Version(kind)))

	w := newWatcher(out)
	defer w.stop()
	reg := rt.coord.Registry(kind)
	if reg == nil {
		return fmt.Errorf("%s session is gone", kind)
	}
	w.watch(reg)

	if len(args) > 0 {
		view, ok := reg.Get(page.ID())
		if !ok {
			return fmt.Errorf("context %s is gone", page.ID())
		}
		if err := view.Navigate(ctx, args[0]); err != nil {
			return fmt.Errorf("loading %q: %w", args[0], err)
		}
	}

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	out.Printf("\n%s\n", detailColor.Sprint("interrupted, releasing the browser"))
	return nil
}

// watcher prints the changes of the contexts of a registry.
type watcher struct {
	out *console

	mu      sync.Mutex
	cancels map[string][]func()
	regOff  func()
}

func newWatcher(out *console) *watcher {
	return &watcher{out: out, cancels: make(map[string][]func())}
}

func (w *watcher) watch(reg *mirror.Registry) {
	off := reg.Subscribe(func(ch mirror.Change) {
		switch ch.Type {
		case mirror.Added:
			w.add(ch.View)
		case mirror.Removed:
			w.remove(ch.View)
		}
	})
	w.mu.Lock()
	w.regOff = off
	w.mu.Unlock()

	for _, v := range reg.Snapshot() {
		w.add(v)
	}
}

func (w *watcher) add(v *mirror.ContextView) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cancels[v.ID()]; ok {
		return
	}

	id := v.ID()
	label := "shared"
	if v.Isolated() {
		label = "isolated"
	}
	w.out.Printf("%s %s %s\n", okColor.Sprint("+"), id, detailColor.Sprint(label))

	viewOff := v.Subscribe(func(ch mirror.ViewChange) {
		switch ch.Type {
		case mirror.TitleChanged:
			w.out.Printf("  %s title %q\n", id, ch.Title)
		case mirror.FrameChanged:
			w.out.Printf("  %s frame #%d %s\n", id, ch.Frame.Seq, detailColor.Sprintf("%d bytes", len(ch.Frame.Data)))
		}
	})
	netOff := v.Tracker().Subscribe(func(ev common.ExchangeEvent) {
		if ev.Type != common.ExchangeUpdated {
			return
		}
		e := ev.Exchange
		status := okColor.Sprint(e.Status)
		if e.StatusCode >= 400 || e.StatusCode == 0 {
			status = failColor.Sprint(e.Status)
		}
		w.out.Printf("  %s %-6s %s %s %s\n", id, e.Method, status, e.DisplayURL(), detailColor.Sprint(e.DurationDisplay()))
	})
	w.cancels[id] = []func(){viewOff, netOff}
}

func (w *watcher) remove(v *mirror.ContextView) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, off := range w.cancels[v.ID()] {
		off()
	}
	delete(w.cancels, v.ID())
	w.out.Printf("%s %s\n", failColor.Sprint("-"), v.ID())
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.regOff != nil {
		w.regOff()
	}
	for id, offs := range w.cancels {
		for _, off := range offs {
			off()
		}
		delete(w.cancels, id)
	}
}
