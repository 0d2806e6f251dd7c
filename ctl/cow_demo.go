// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/kcore"
	"github.com/featurebasedb/kcore/kalloc"
	"github.com/featurebasedb/kcore/vm"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// COWDemoCommand forks a parent address space into several children which
// share its frames copy-on-write, has every child write to every page from
// its own CPU, and checks that nobody saw anybody else's writes and that
// every frame comes back once all address spaces are torn down.
type COWDemoCommand struct {
	*kcore.CmdIO

	Config *kalloc.Config

	Children int

	// Pages mapped into the parent before forking.
	Pages int

	// Stats is filled in by Run.
	Stats *kalloc.Stats
}

// NewCOWDemoCommand returns a new instance of COWDemoCommand.
func NewCOWDemoCommand(stdin io.Reader, stdout, stderr io.Writer) *COWDemoCommand {
	return &COWDemoCommand{
		CmdIO:    kcore.NewCmdIO(stdin, stdout, stderr),
		Config:   kalloc.NewDefaultConfig(),
		Children: 4,
		Pages:    16,
	}
}

// Run executes the demo.
func (cmd *COWDemoCommand) Run(ctx context.Context) error {
	logger := cmd.Logger()
	if cmd.Children < 1 || cmd.Pages < 1 {
		return errors.New("children and pages must be positive")
	}
	if need := cmd.Pages * (cmd.Children + 1); need > cmd.Config.Pages {
		return errors.Errorf("demo needs %d frames, allocator has %d", need, cmd.Config.Pages)
	}

	cmd.Stats = kalloc.NewStats(prometheus.NewRegistry())
	a, err := kalloc.NewAllocator(cmd.Config,
		kalloc.OptAllocatorLogger(logger.WithPrefix("kalloc: ")),
		kalloc.OptAllocatorStats(cmd.Stats),
	)
	if err != nil {
		return errors.Wrap(err, "creating allocator")
	}
	free := a.FreeCount()
	logger.Debugf("cow-demo: %d frames across %d cpus", a.NumPages(), a.NumCPU())

	parent := vm.NewPageTable()
	for i := 0; i < cmd.Pages; i++ {
		pa, err := a.Alloc(0)
		if err != nil {
			return errors.Wrap(err, "populating parent")
		}
		copy(a.Page(pa), pageLabel("parent", i))
		if err := parent.MapPages(pageVA(i), vm.PGSIZE, pa, vm.PTE_R|vm.PTE_W|vm.PTE_U); err != nil {
			return err
		}
	}

	children := make([]*vm.PageTable, cmd.Children)
	for c := range children {
		children[c] = vm.NewPageTable()
		if err := a.CopyCOW(0, parent, children[c]); err != nil {
			return errors.Wrapf(err, "forking child %d", c)
		}
	}
	logger.Infof("cow-demo: forked %d children sharing %d pages", cmd.Children, cmd.Pages)

	g, ctx := errgroup.WithContext(ctx)
	for c, pt := range children {
		c, pt := c, pt
		cpu := (c + 1) % a.NumCPU()
		g.Go(func() error {
			for i := 0; i < cmd.Pages; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := cmd.store(a, cpu, pt, i, pageLabel(fmt.Sprintf("child %d", c), i)); err != nil {
					return errors.Wrapf(err, "child %d", c)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Every child took a private copy, so the parent owns its frames alone
	// again and upgrades in place.
	for i := 0; i < cmd.Pages; i++ {
		if err := cmd.check(a, parent, i, pageLabel("parent", i)); err != nil {
			return err
		}
		if err := cmd.store(a, 0, parent, i, pageLabel("parent again", i)); err != nil {
			return err
		}
	}
	for c, pt := range children {
		for i := 0; i < cmd.Pages; i++ {
			if err := cmd.check(a, pt, i, pageLabel(fmt.Sprintf("child %d", c), i)); err != nil {
				return err
			}
		}
	}

	cmd.printSummary(a)

	for c, pt := range append(children, parent) {
		a.Unmap(c%a.NumCPU(), pt, 0, cmd.Pages, true)
	}
	if got := a.FreeCount(); got != free {
		return errors.Errorf("leaked %d frames", free-got)
	}
	logger.Infof("cow-demo: all %d frames returned", free)
	return nil
}

// store writes label at the start of page i as a user store would: taking
// the write fault first if the page is copy-on-write.
func (cmd *COWDemoCommand) store(a *kalloc.Allocator, cpu int, pt *vm.PageTable, i int, label string) error {
	va := pageVA(i)
	pte, ok, err := pt.Walk(va)
	if err != nil {
		return err
	} else if !ok {
		return errors.Errorf("page %d not mapped", i)
	}
	if !pte.Has(vm.PTE_W) {
		if err := a.ResolveWriteFault(cpu, pt, va); err != nil {
			return err
		}
		if pte, _, err = pt.Walk(va); err != nil {
			return err
		}
	}
	page := a.Page(vm.PTE2PA(pte))
	copy(page, label)
	return nil
}

func (cmd *COWDemoCommand) check(a *kalloc.Allocator, pt *vm.PageTable, i int, want string) error {
	pte, ok, err := pt.Walk(pageVA(i))
	if err != nil {
		return err
	} else if !ok {
		return errors.Errorf("page %d not mapped", i)
	}
	if got := a.Page(vm.PTE2PA(pte)); !bytes.HasPrefix(got, []byte(want)) {
		return errors.Errorf("page %d holds %q, want %q", i, got[:len(want)], want)
	}
	return nil
}

func (cmd *COWDemoCommand) printSummary(a *kalloc.Allocator) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"metric", "value"})
	t.AppendRow(table.Row{kalloc.MetricAllocs, counterValue(cmd.Stats.Allocs)})
	t.AppendRow(table.Row{kalloc.MetricSteals, counterValue(cmd.Stats.Steals)})
	t.AppendRow(table.Row{kalloc.MetricCOWCopies, counterValue(cmd.Stats.COWCopies)})
	t.AppendRow(table.Row{kalloc.MetricCOWUpgrades, counterValue(cmd.Stats.COWUpgrades)})
	t.Render()
	a.Dump(cmd.Stdout)
}

func pageVA(i int) uintptr {
	return uintptr(i) * vm.PGSIZE
}

// pageLabel is NUL-terminated so a shorter label never matches a longer one.
func pageLabel(owner string, i int) string {
	return fmt.Sprintf("%s page %d\x00", owner, i)
}
