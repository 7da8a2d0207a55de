package compiler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/loopidiom/compiler"
)

const fillText = `
func fill(a ptr noalias, n i64) i64 {
entry:
	%z = cmp ne %n, 0
	bcond %z, loop, done
loop:
	%i = phi [entry: 0], [loop: %i1]
	%p = add %a, %i
	store i8 7, %p
	%i1 = add %i, 1
	%c = cmp ult %i1, %n
	bcond %c, loop, done
done:
	ret %n
}
`

func TestProcess(t *testing.T) {
	t.Setenv("LOOPIDIOM_DISABLE", "")

	out, err := compiler.Process(context.Background(), "fill.slow", []byte(fillText))
	require.NoError(t, err)

	require.Contains(t, string(out), "memset")
	require.NotContains(t, string(out), "store")
}

func TestProcessParseError(t *testing.T) {
	_, err := compiler.Process(context.Background(), "bad.slow", []byte("func {"))
	require.Error(t, err)
}

func TestProcessFileMissing(t *testing.T) {
	_, err := compiler.ProcessFile(context.Background(), "no_such_file.slow")
	require.Error(t, err)
}
