package dispatch

import (
	"context"
	"strings"

	"github.com/c360/pointflow/point"
)

type chainKey struct{}

// chain is the immutable path of writes that led to the current one
type chain struct {
	depth  int
	key    point.Key
	parent *chain
}

func chainFrom(ctx context.Context) *chain {
	c, _ := ctx.Value(chainKey{}).(*chain)
	return c
}

func withChain(ctx context.Context, c *chain) context.Context {
	return context.WithValue(ctx, chainKey{}, c)
}

// extend is safe on a nil chain, which starts a new one
func (c *chain) extend(key point.Key) *chain {
	depth := 1
	if c != nil {
		depth = c.depth + 1
	}
	return &chain{depth: depth, key: key, parent: c}
}

func (c *chain) visited(key point.Key) bool {
	for n := c; n != nil; n = n.parent {
		if n.key == key {
			return true
		}
	}
	return false
}

func (c *chain) path() string {
	var keys []string
	for n := c; n != nil; n = n.parent {
		keys = append(keys, n.key.String())
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return strings.Join(keys, " -> ")
}

// Depth returns how many writes deep ctx is in a dispatch chain, 0 outside one
func Depth(ctx context.Context) int {
	if c := chainFrom(ctx); c != nil {
		return c.depth
	}
	return 0
}
