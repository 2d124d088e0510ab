package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitUpToGlobalCeiling(t *testing.T) {
	c := New(Limits{Global: 2})

	ok, _ := c.TryAdmit("w1", Scope{})
	require.True(t, ok)
	ok, _ = c.TryAdmit("w2", Scope{})
	require.True(t, ok)

	ok, exhausted := c.TryAdmit("w3", Scope{})
	assert.False(t, ok)
	assert.Equal(t, ScopeGlobal, exhausted)

	c.Release("w1")
	ok, _ = c.TryAdmit("w3", Scope{})
	assert.True(t, ok)
}

func TestPerRepoCeiling(t *testing.T) {
	c := New(Limits{Global: 10, PerRepo: 1})

	ok, _ := c.TryAdmit("w1", Scope{RepoID: "repo-a"})
	require.True(t, ok)

	ok, exhausted := c.TryAdmit("w2", Scope{RepoID: "repo-a"})
	assert.False(t, ok)
	assert.Equal(t, ScopeRepo, exhausted)

	// A different repo is unaffected.
	ok, _ = c.TryAdmit("w3", Scope{RepoID: "repo-b"})
	assert.True(t, ok)
}

func TestPerUserCeiling(t *testing.T) {
	c := New(Limits{Global: 10, PerUser: 2})

	for i := 0; i < 2; i++ {
		ok, _ := c.TryAdmit(fmt.Sprintf("w%d", i), Scope{UserID: "u1"})
		require.True(t, ok)
	}

	ok, exhausted := c.TryAdmit("w9", Scope{UserID: "u1"})
	assert.False(t, ok)
	assert.Equal(t, ScopeUser, exhausted)
}

func TestReleaseDecrementsAllScopes(t *testing.T) {
	c := New(Limits{Global: 1, PerRepo: 1, PerUser: 1})
	scope := Scope{RepoID: "r", UserID: "u"}

	ok, _ := c.TryAdmit("w1", scope)
	require.True(t, ok)
	c.Release("w1")

	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, 0, c.InFlightRepo("r"))
	assert.Equal(t, 0, c.InFlightUser("u"))

	ok, _ = c.TryAdmit("w2", scope)
	assert.True(t, ok)
}

func TestReleaseUnknownWorkerIsNoOp(t *testing.T) {
	c := New(Limits{Global: 1})
	c.Release("ghost")
	assert.Equal(t, 0, c.InFlight())
}

func TestDuplicateAdmitDenied(t *testing.T) {
	c := New(Limits{Global: 10})
	ok, _ := c.TryAdmit("w1", Scope{})
	require.True(t, ok)

	ok, _ = c.TryAdmit("w1", Scope{})
	assert.False(t, ok)
	assert.Equal(t, 1, c.InFlight())
}

// The ceiling must hold at every observed instant under concurrent admission
// and release, not just at the end.
func TestConcurrentAdmissionNeverExceedsCeiling(t *testing.T) {
	const (
		ceiling    = 8
		goroutines = 64
		rounds     = 200
	)

	c := New(Limits{Global: ceiling, PerRepo: 4, PerUser: 4})

	var (
		current  atomic.Int64
		breached atomic.Bool
		wg       sync.WaitGroup
	)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			scope := Scope{
				RepoID: fmt.Sprintf("repo-%d", g%3),
				UserID: fmt.Sprintf("user-%d", g%5),
			}
			for r := 0; r < rounds; r++ {
				id := fmt.Sprintf("w-%d-%d", g, r)
				ok, _ := c.TryAdmit(id, scope)
				if !ok {
					continue
				}
				if current.Add(1) > ceiling {
					breached.Store(true)
				}
				current.Add(-1)
				c.Release(id)
			}
		}(g)
	}
	wg.Wait()

	assert.False(t, breached.Load(), "in-flight count exceeded the global ceiling")
	assert.Equal(t, 0, c.InFlight())
}
