package workflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"octoflow/internal/domain"
)

const defaultAssignCacheSize = 256

const (
	resolveUsers  = "users"
	resolveGroups = "groups"
)

// AssignCache memoizes resolver output per distinct (process, transition)
// input. It is an optimization, not a consistency mechanism: entries may be
// evicted or the whole cache replaced at any time.
type AssignCache struct {
	lru *lru.Cache[string, []string]
}

func NewAssignCache(size int) *AssignCache {
	if size <= 0 {
		size = defaultAssignCacheSize
	}
	c, err := lru.New[string, []string](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &AssignCache{lru: c}
}

// key hashes the transition's immutable field set plus the process identity.
func (c *AssignCache) key(kind string, proc domain.Process, tr Transition) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%t|%t", kind, proc.ID, tr.Name, tr.Source, tr.Destination, tr.Manual, tr.CreatesTask())
	return fmt.Sprintf("%x", h.Sum64())
}

// Resolver evaluates a definition's assignment functions for a transition,
// with caching and default-assignment fallback.
type Resolver struct {
	Cache *AssignCache
}

func NewResolver() *Resolver {
	return &Resolver{Cache: NewAssignCache(defaultAssignCacheSize)}
}

func (r *Resolver) cache() *AssignCache {
	if r.Cache == nil {
		r.Cache = NewAssignCache(defaultAssignCacheSize)
	}
	return r.Cache
}

// Users accumulates the results of every user resolver registered for the
// transition, deduplicated and sorted for determinism.
func (r *Resolver) Users(ctx context.Context, def *Definition, proc domain.Process, tr Transition) ([]string, error) {
	return r.resolve(ctx, resolveUsers, def.userResolvers[tr.Name], proc, tr)
}

// Groups accumulates the results of every group resolver registered for the
// transition.
func (r *Resolver) Groups(ctx context.Context, def *Definition, proc domain.Process, tr Transition) ([]string, error) {
	return r.resolve(ctx, resolveGroups, def.groupResolvers[tr.Name], proc, tr)
}

// Assignees resolves users and groups for a transition. When both come back
// empty, the definition's default user/group resolvers are consulted.
func (r *Resolver) Assignees(ctx context.Context, def *Definition, proc domain.Process, tr Transition) (users, groups []string, err error) {
	users, err = r.Users(ctx, def, proc, tr)
	if err != nil {
		return nil, nil, err
	}
	groups, err = r.Groups(ctx, def, proc, tr)
	if err != nil {
		return nil, nil, err
	}
	if len(users) == 0 && len(groups) == 0 {
		if def.defaultUsers != nil {
			users, err = def.defaultUsers(ctx, proc, tr)
			if err != nil {
				return nil, nil, fmt.Errorf("default user resolver for %s: %w", tr.Name, err)
			}
		}
		if def.defaultGroups != nil {
			groups, err = def.defaultGroups(ctx, proc, tr)
			if err != nil {
				return nil, nil, fmt.Errorf("default group resolver for %s: %w", tr.Name, err)
			}
		}
		users, groups = dedupe(users), dedupe(groups)
	}
	return users, groups, nil
}

func (r *Resolver) resolve(ctx context.Context, kind string, fns []ResolverFunc, proc domain.Process, tr Transition) ([]string, error) {
	if len(fns) == 0 {
		return nil, nil
	}
	cache := r.cache()
	key := cache.key(kind, proc, tr)
	if cached, ok := cache.lru.Get(key); ok {
		return cached, nil
	}
	var out []string
	for _, fn := range fns {
		ids, err := fn(ctx, proc, tr)
		if err != nil {
			return nil, fmt.Errorf("%s resolver for %s: %w", kind, tr.Name, err)
		}
		out = append(out, ids...)
	}
	out = dedupe(out)
	cache.lru.Add(key, out)
	return out, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
