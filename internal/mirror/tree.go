package mirror

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// StringFunc rewrites one string found in a document tree. key is the map key the
// string (or its enclosing list) is stored under and owner is the map holding it.
type StringFunc func(ctx context.Context, key string, owner map[string]any, value string) string

// KeyFilter reports whether the subtree stored under key in owner must be left alone.
type KeyFilter func(key string, owner map[string]any) bool

type containerID struct {
	ptr uintptr
	n   int
}

// RewriteStrings walks every map and list reachable from root and replaces each
// string with fn's result. Containers are visited at most once, so shared or
// self-referential structures terminate. Map keys are visited in sorted order.
func RewriteStrings(ctx context.Context, root any, skip KeyFilter, fn StringFunc) error {
	w := &treeWalker{visited: make(map[containerID]struct{}), skip: skip, fn: fn}
	return w.walk(ctx, root, "", nil)
}

type treeWalker struct {
	visited map[containerID]struct{}
	skip    KeyFilter
	fn      StringFunc
}

func (w *treeWalker) enter(id containerID) bool {
	if _, seen := w.visited[id]; seen {
		return false
	}
	w.visited[id] = struct{}{}
	return true
}

func (w *treeWalker) walk(ctx context.Context, node any, key string, owner map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch v := node.(type) {
	case map[string]any:
		if v == nil || !w.enter(containerID{ptr: reflect.ValueOf(v).Pointer()}) {
			return nil
		}
		for _, k := range slices.Sorted(maps.Keys(v)) {
			if w.skip != nil && w.skip(k, v) {
				continue
			}
			if s, ok := v[k].(string); ok {
				v[k] = w.fn(ctx, k, v, s)
				continue
			}
			if err := w.walk(ctx, v[k], k, v); err != nil {
				return err
			}
		}
	case []any:
		if len(v) == 0 || !w.enter(containerID{ptr: reflect.ValueOf(v).Pointer(), n: len(v)}) {
			return nil
		}
		for i := range v {
			if s, ok := v[i].(string); ok {
				v[i] = w.fn(ctx, key, owner, s)
				continue
			}
			if err := w.walk(ctx, v[i], key, owner); err != nil {
				return err
			}
		}
	}
	return nil
}

var avatarKeys = []string{"avatar", "profile_image", "profile_pic", "profile_photo", "gravatar"}

var profileMarkers = []string{"username", "user_name", "resource_uri", "full_name"}

// isProfileAvatar reports whether key names an avatar-like field on an object that
// looks like a user or profile record.
func isProfileAvatar(key string, owner map[string]any) bool {
	lower := strings.ToLower(key)
	avatar := false
	for _, a := range avatarKeys {
		if strings.Contains(lower, a) {
			avatar = true
			break
		}
	}
	if !avatar {
		return false
	}
	for _, m := range profileMarkers {
		if _, ok := owner[m]; ok {
			return true
		}
	}
	return false
}
