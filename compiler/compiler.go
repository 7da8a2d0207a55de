package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/format"
	"github.com/slowlang/loopidiom/compiler/idiom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/parse"
	"github.com/slowlang/loopidiom/compiler/target"
)

func ProcessFile(ctx context.Context, name string) (text []byte, err error) {
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(src), "name", name)

	return Process(ctx, name, src)
}

// Process parses the program, rewrites recognized loops in place and
// prints the result back.
func Process(ctx context.Context, name string, src []byte) (text []byte, err error) {
	p, err := parse.Parse(ctx, name, src)
	if err != nil {
		return nil, errors.Wrap(err, "parse text")
	}

	_, err = Optimize(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "optimize")
	}

	text, err = format.AppendPackage(ctx, nil, p)
	if err != nil {
		return nil, errors.Wrap(err, "format")
	}

	return text, nil
}

func Optimize(ctx context.Context, p *ir.Package) (changed bool, err error) {
	pass := idiom.New(target.Detect())

	changed, err = pass.Run(ctx, p)
	if err != nil {
		return changed, errors.Wrap(err, "idiom pass")
	}

	tlog.SpanFromContext(ctx).V("stats").Printw("loop idioms", "formed", pass.Stats.Total(), "stats", pass.Stats.String())

	return changed, nil
}
