package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type probe struct {
	page  int
	epoch uint64
}

func (p probe) WithEpoch(e uint64) probe {
	p.epoch = e
	return p
}

func TestGuardIssueStampsAndAccepts(t *testing.T) {
	t.Parallel()

	var g Guard[probe]
	require.Zero(t, g.Current())
	require.False(t, g.Accept(Handle[probe]{}))

	h1 := g.Issue(probe{page: 1})
	require.Equal(t, uint64(1), h1.Epoch)
	require.Equal(t, uint64(1), h1.Value.epoch)
	require.Equal(t, 1, h1.Value.page)
	require.True(t, g.Accept(h1))

	h2 := g.Issue(probe{page: 2})
	require.False(t, g.Accept(h1), "superseded handle must be rejected")
	require.True(t, g.Accept(h2))
}

func TestGuardInvalidate(t *testing.T) {
	t.Parallel()

	var g Guard[probe]
	h := g.Issue(probe{page: 7})
	require.Equal(t, uint64(2), g.Invalidate())
	require.False(t, g.Accept(h))
}

func TestGuardConcurrentIssueIsMonotonic(t *testing.T) {
	t.Parallel()

	var g Guard[probe]
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			seen <- g.Issue(probe{page: page}).Epoch
		}(i)
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for e := range seen {
		unique[e] = struct{}{}
	}
	require.Len(t, unique, 100)
	require.Equal(t, uint64(100), g.Current())
}
