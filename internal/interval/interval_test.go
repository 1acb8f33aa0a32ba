package interval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertFindOverlap(t *testing.T) {
	tr := New()
	tr.Insert(Interval{0, 4096}, "a")
	tr.Insert(Interval{8192, 12288}, "b")

	n := tr.Find(Interval{2048, 2049})
	require.NotNil(t, n)
	require.Equal(t, "a", n.Payload)

	require.Nil(t, tr.Find(Interval{4096, 8192}))
}

func TestInsertIdempotent(t *testing.T) {
	tr := New()
	tr.Insert(Interval{0, 100}, "first")
	tr.Insert(Interval{0, 100}, "second")
	require.Equal(t, 1, tr.Len())
	require.Equal(t, "second", tr.FindExact(Interval{0, 100}).Payload)
}

func TestGapFinding(t *testing.T) {
	tr := New()
	tr.Insert(Interval{0, 4 * 1024}, nil)
	tr.Insert(Interval{8 * 1024, 12 * 1024}, nil)

	gap := tr.FindFreeGap(Interval{0, 4 * 1024}, 4*1024, 1<<40)
	require.Equal(t, Interval{4 * 1024, 8 * 1024}, gap)

	gap2 := tr.FindFreeGap(Interval{0, 8 * 1024}, 4*1024, 1<<40)
	require.Equal(t, Interval{12 * 1024, 20 * 1024}, gap2)
}

func TestGapFindingNoRoom(t *testing.T) {
	tr := New()
	tr.Insert(Interval{0, 100}, nil)
	gap := tr.FindFreeGap(Interval{0, 100}, 1, 50)
	require.True(t, gap.IsNull())
}

func TestDeleteAndInvariants(t *testing.T) {
	tr := New()
	rng := rand.New(rand.NewSource(1))
	var ivs []Interval
	for i := 0; i < 200; i++ {
		start := uint64(rng.Intn(1_000_000) * 16)
		iv := Interval{start, start + 16}
		if tr.FindExact(iv) != nil {
			continue
		}
		tr.Insert(iv, i)
		ivs = append(ivs, iv)
		require.True(t, tr.CheckInvariants())
	}
	for _, iv := range ivs {
		tr.Delete(iv)
		require.True(t, tr.CheckInvariants())
	}
	require.Equal(t, 0, tr.Len())
}

func TestInOrder(t *testing.T) {
	tr := New()
	tr.Insert(Interval{100, 200}, nil)
	tr.Insert(Interval{0, 50}, nil)
	tr.Insert(Interval{300, 400}, nil)

	var starts []uint64
	tr.InOrder(func(n *Node) { starts = append(starts, n.Interval.Start) })
	require.Equal(t, []uint64{0, 100, 300}, starts)
}
