package percpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	a := NewN[int](4)
	a.Set(2, 42)
	require.Equal(t, 42, a.Get(2))
	require.Equal(t, 0, a.Get(0))
}

func TestOutOfRangePanics(t *testing.T) {
	a := NewN[int](4)
	require.Panics(t, func() { a.Get(4) })
	require.Panics(t, func() { a.Set(-1, 1) })
}

func TestRangeStopsEarly(t *testing.T) {
	a := NewN[int](5)
	for i := 0; i < 5; i++ {
		a.Set(i, i*10)
	}
	seen := 0
	a.Range(func(cpu int, v int) bool {
		seen++
		return cpu < 2
	})
	require.Equal(t, 3, seen)
}
