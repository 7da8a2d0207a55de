package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/xyproto/env/v2"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler"
	"github.com/slowlang/loopidiom/compiler/format"
	"github.com/slowlang/loopidiom/compiler/interp"
	"github.com/slowlang/loopidiom/compiler/parse"
)

func main() {
	parseCmd := &cli.Command{
		Name:        "parse",
		Description: "parse a program and print it back",
		Action:      parseAct,
		Args:        cli.Args{},
	}

	optCmd := &cli.Command{
		Name:        "opt",
		Description: "rewrite loop idioms and print the result",
		Action:      optAct,
		Args:        cli.Args{},
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "run file func args... interprets a function; LOOPIDIOM_MEM sets memory size, LOOPIDIOM_OPT=1 optimizes first",
		Action:      runAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "loopidiom",
		Description: "loopidiom recognizes memset, memcpy, bcmp and bit counting loops and rewrites them to primitives",
		Commands: []*cli.Command{
			parseCmd,
			optCmd,
			runCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func parseAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		p, err := parse.ParseFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		text, err := format.AppendPackage(ctx, nil, p)
		if err != nil {
			return errors.Wrap(err, "format %v", a)
		}

		fmt.Printf("%s", text)
	}

	return nil
}

func optAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		text, err := compiler.ProcessFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "process %v", a)
		}

		fmt.Printf("%s", text)
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	if len(c.Args) < 2 {
		return errors.New("want file and func name")
	}

	p, err := parse.ParseFile(ctx, c.Args[0])
	if err != nil {
		return errors.Wrap(err, "parse %v", c.Args[0])
	}

	if env.Bool("LOOPIDIOM_OPT") {
		_, err = compiler.Optimize(ctx, p)
		if err != nil {
			return errors.Wrap(err, "optimize")
		}
	}

	fname := c.Args[1]

	var args []int64

	for _, a := range c.Args[2:] {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return errors.Wrap(err, "arg %v", a)
		}

		args = append(args, v)
	}

	for _, f := range p.Funcs {
		if f.Name != fname {
			continue
		}

		m := interp.New(make([]byte, env.Int("LOOPIDIOM_MEM", 1<<20)))

		ret, err := m.Run(ctx, f, args)
		if err != nil {
			return errors.Wrap(err, "run %v", fname)
		}

		fmt.Printf("%d\n", ret)

		return nil
	}

	return errors.New("no func %v", fname)
}
