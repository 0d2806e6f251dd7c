package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/featurebasedb/kcore/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		nomem := newErrNoMemory(3)
		notcow := newErrNotCOW(0x1000)
		nomemCustom := errors.New(errNoMemory, "custom no memory message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errNoMemory,
				exp:    false,
			},
			{
				err:    nomem,
				target: errNoMemory,
				exp:    true,
			},
			{
				err:    nomem,
				target: errNotCOW,
				exp:    false,
			},
			{
				err:    errors.Wrap(notcow, "with message"),
				target: errNotCOW,
				exp:    true,
			},
			{
				err:    nomemCustom,
				target: errNoMemory,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("CodeOf", func(t *testing.T) {
		code, ok := errors.CodeOf(errors.Wrap(newErrNoMemory(1), "alloc"))
		require.True(t, ok)
		assert.Equal(t, errNoMemory, code)

		_, ok = errors.CodeOf(fmt.Errorf("plain"))
		assert.False(t, ok)
	})

	t.Run("Recovered", func(t *testing.T) {
		assert.NoError(t, errors.Recovered(nil))

		err := errors.Recovered("kfree")
		assert.True(t, errors.Is(err, errors.ErrUncoded))

		orig := newErrNotCOW(0x2000)
		assert.Equal(t, orig, errors.Recovered(orig))
	})

	t.Run("JSON", func(t *testing.T) {
		s := errors.MarshalJSON(errors.Wrap(newErrNoMemory(2), "fault"))
		assert.Contains(t, s, `"code":"NoMemory"`)

		err := errors.UnmarshalJSON(strings.NewReader(s))
		assert.True(t, errors.Is(err, errNoMemory))
	})
}

// Test error codes.

const (
	errUncoded  errors.Code = "Uncoded"
	errNoMemory errors.Code = "NoMemory"
	errNotCOW   errors.Code = "NotCOW"
)

func newUncoded(message string) error {
	return errors.New(
		errUncoded,
		message,
	)
}

func newErrNoMemory(cpu int) error {
	return errors.Newf(
		errNoMemory,
		"no free frame for cpu %d",
		cpu,
	)
}

func newErrNotCOW(va uintptr) error {
	return errors.Newf(
		errNotCOW,
		"not a copy-on-write fault: va %#x",
		va,
	)
}
