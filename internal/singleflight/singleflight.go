// Package singleflight deduplicates concurrent rebuilds per content_hash:
// at most one execution per key is in flight at a time, with concurrent
// callers for the same key sharing its result. It wraps
// golang.org/x/sync/singleflight behind the narrower contract the
// pipeline needs.
package singleflight

import (
	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent calls for the same content_hash.
type Group struct {
	g singleflight.Group
}

// New constructs an empty Group.
func New() *Group {
	return &Group{}
}

// Do runs fn for key if no call for key is already in flight, otherwise it
// waits for the in-flight call and returns its result. shared reports
// whether this caller received another goroutine's result rather than
// running fn itself — false for the leader, true for every follower.
//
// Leadership is detected by whether this caller's own closure ran:
// x/sync's shared return is true for every participant (leader included)
// whenever a result was handed to more than one caller, which is not the
// distinction the pipeline's certificates need.
//
// Do takes no context: every follower waits until the leader's fn returns
// and cannot abandon its wait early. The leader's fn always runs to
// completion. A failure from fn propagates to every waiter, each of which
// may independently retry.
func (g *Group) Do(key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	var leader bool
	v, err, _ := g.g.Do(key, func() (interface{}, error) {
		leader = true
		return fn()
	})
	return v, !leader, err
}

// Forget removes key from the in-flight set, so the next call for key
// runs fn again rather than joining a completed call's result.
func (g *Group) Forget(key string) {
	g.g.Forget(key)
}
