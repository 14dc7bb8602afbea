package core_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus/core"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type trace struct{ calls []string }

func (tr *trace) mw(name string) core.Middleware[string, string] {
	return func(next core.Func[string, string]) core.Func[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			tr.calls = append(tr.calls, name+">")
			r, err := next(ctx, c)
			tr.calls = append(tr.calls, "<"+name)
			return r, err
		}
	}
}

func echo(_ context.Context, c string) (string, error) { return c, nil }

func TestChain_Order(t *testing.T) {
	tr := &trace{}
	h := core.Chain(echo, tr.mw("A"), tr.mw("B"), tr.mw("C"))

	r, err := h(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", r)
	assert.Equal(t, []string{"A>", "B>", "C>", "<C", "<B", "<A"}, tr.calls)
}

func TestChain_Empty(t *testing.T) {
	h := core.Chain[string, string](echo)
	r, err := h(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", r)
}

func TestChain_SkipsNil(t *testing.T) {
	tr := &trace{}
	h := core.Chain(echo, nil, tr.mw("A"), nil)
	_, err := h(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"A>", "<A"}, tr.calls)
}

func TestChain_ShortCircuit(t *testing.T) {
	tr := &trace{}
	stop := func(core.Func[string, string]) core.Func[string, string] {
		return func(context.Context, string) (string, error) { return "stopped", nil }
	}
	terminalCalled := false
	terminal := func(context.Context, string) (string, error) {
		terminalCalled = true
		return "", nil
	}

	r, err := core.Chain(terminal, tr.mw("A"), stop, tr.mw("B"))(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "stopped", r)
	assert.False(t, terminalCalled)
	assert.Equal(t, []string{"A>", "<A"}, tr.calls)
}

func TestChain_Transform(t *testing.T) {
	upper := func(next core.Func[string, string]) core.Func[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			return next(ctx, strings.ToUpper(c))
		}
	}
	r, err := core.Chain(echo, upper)(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", r)
}

func TestChain_ErrorTranslation(t *testing.T) {
	errBase := errors.New("base")
	wrap := func(next core.Func[string, string]) core.Func[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			r, err := next(ctx, c)
			if err != nil {
				return r, core.NonRetryable(err)
			}
			return r, nil
		}
	}
	fail := func(context.Context, string) (string, error) { return "", errBase }

	_, err := core.Chain(fail, wrap)(context.Background(), "x")
	assert.ErrorIs(t, err, errBase)
	assert.False(t, core.IsRetryable(err))
}

func TestChain_Reusable(t *testing.T) {
	tr := &trace{}
	h := core.Chain(echo, tr.mw("A"))
	for i := 0; i < 3; i++ {
		_, err := h(context.Background(), "x")
		require.NoError(t, err)
	}
	assert.Len(t, tr.calls, 6)
}
