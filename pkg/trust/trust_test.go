package trust

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAddRemoveIsTrusted(t *testing.T) {
	s := NewSet("aaaa")
	require.True(t, s.IsTrusted("aaaa"))
	require.False(t, s.IsTrusted("bbbb"))

	s.Add("bbbb")
	require.True(t, s.IsTrusted("bbbb"))

	s.Remove("aaaa")
	require.False(t, s.IsTrusted("aaaa"))
	require.True(t, s.IsTrusted("bbbb"))
}

func TestSetSnapshotIndependentOfLaterWrites(t *testing.T) {
	s := NewSet("aaaa", "bbbb")
	snap := s.Snapshot()
	require.ElementsMatch(t, []string{"aaaa", "bbbb"}, snap)

	s.Add("cccc")
	require.Len(t, snap, 2, "snapshot taken before Add must not observe it")
	require.Len(t, s.Snapshot(), 3)
}

func TestSetConcurrentAddAndIsTrusted(t *testing.T) {
	s := NewSet()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		tp := string(rune('a' + i%26))
		go func() { defer wg.Done(); s.Add(tp) }()
		go func() { defer wg.Done(); s.IsTrusted(tp) }()
	}
	wg.Wait()
	require.LessOrEqual(t, s.Len(), 26)
}
