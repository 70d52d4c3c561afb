/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

type opKind int

const (
	opWrite opKind = iota
	opUpdate
	opCompareAndSet
	opIncrement
	opRemove
)

// op is one mutation of a room document. Every backend runs ops through
// apply, so the path semantics are identical regardless of where the
// document lives.
type op struct {
	kind     opKind
	path     []string
	updates  []update
	expected any
	value    any
	delta    int64
}

type update struct {
	path  []string
	value any
}

type result struct {
	changed bool
	swapped bool
	counter int64
}

func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}

	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, p)
		}
	}

	return parts, nil
}

// normalize converts v into the shape encoding/json produces when decoding
// into an interface, with empty objects and arrays dropped.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return compact(out), nil
}

func compact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			c := compact(child)
			if c == nil {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		for i := range t {
			t[i] = compact(t[i])
		}
		return t
	default:
		return v
	}
}

func writeOp(path string, value any) (op, error) {
	parts, err := splitPath(path)
	if err != nil {
		return op{}, err
	}
	if len(parts) == 0 {
		return op{}, fmt.Errorf("%w: cannot write the document root", ErrBadPath)
	}

	v, err := normalize(value)
	if err != nil {
		return op{}, err
	}

	return op{kind: opWrite, path: parts, value: v}, nil
}

func updateOp(values map[string]any) (op, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	o := op{kind: opUpdate, updates: make([]update, 0, len(keys))}
	for _, k := range keys {
		w, err := writeOp(k, values[k])
		if err != nil {
			return op{}, err
		}
		o.updates = append(o.updates, update{path: w.path, value: w.value})
	}

	return o, nil
}

func compareAndSetOp(path string, expected, value any) (op, error) {
	parts, err := splitPath(path)
	if err != nil {
		return op{}, err
	}

	exp, err := normalize(expected)
	if err != nil {
		return op{}, err
	}

	v, err := normalize(value)
	if err != nil {
		return op{}, err
	}

	if len(parts) == 0 && v != nil {
		if _, ok := v.(map[string]any); !ok {
			return op{}, fmt.Errorf("%w: document root must be an object", ErrBadPath)
		}
	}

	return op{kind: opCompareAndSet, path: parts, expected: exp, value: v}, nil
}

func incrementOp(path string, delta int64) (op, error) {
	parts, err := splitPath(path)
	if err != nil {
		return op{}, err
	}
	if len(parts) == 0 {
		return op{}, fmt.Errorf("%w: cannot increment the document root", ErrBadPath)
	}

	return op{kind: opIncrement, path: parts, delta: delta}, nil
}

func removeOp() op {
	return op{kind: opRemove}
}

// apply runs o against the encoded document raw, which is nil when the room
// does not exist. It returns the encoded result, nil when the room is gone.
// When res.changed is false, next is raw unchanged.
func (o op) apply(raw []byte) (next []byte, res result, err error) {
	var root map[string]any
	if raw != nil {
		if err := json.Unmarshal(raw, &root); err != nil {
			return nil, res, err
		}
		if root == nil {
			root = map[string]any{}
		}
	}

	switch o.kind {
	case opWrite:
		if root == nil {
			return nil, res, ErrNotFound
		}
		setPath(root, o.path, clone(o.value))

	case opUpdate:
		if root == nil {
			return nil, res, ErrNotFound
		}
		for _, u := range o.updates {
			setPath(root, u.path, clone(u.value))
		}

	case opCompareAndSet:
		if len(o.path) == 0 {
			var current any
			if root != nil {
				current = root
			}
			if !reflect.DeepEqual(current, o.expected) {
				return raw, res, nil
			}
			if o.value == nil {
				res.changed, res.swapped = root != nil, true
				return nil, res, nil
			}
			root = clone(o.value).(map[string]any)
			break
		}

		if root == nil {
			return nil, res, ErrNotFound
		}
		if !reflect.DeepEqual(getPath(root, o.path), o.expected) {
			return raw, res, nil
		}
		setPath(root, o.path, clone(o.value))
		res.swapped = true

	case opIncrement:
		if root == nil {
			return nil, res, ErrNotFound
		}

		parent, ok := getPath(root, o.path[:len(o.path)-1]).(map[string]any)
		if !ok {
			return nil, res, fmt.Errorf("%w: %s", ErrNoParent, strings.Join(o.path, "/"))
		}

		key := o.path[len(o.path)-1]
		var n int64
		switch cur := parent[key].(type) {
		case nil:
		case float64:
			if cur != math.Trunc(cur) {
				return nil, res, ErrNotCounter
			}
			n = int64(cur)
		default:
			return nil, res, ErrNotCounter
		}

		n += o.delta
		parent[key] = float64(n)
		res.counter = n

	case opRemove:
		if root == nil {
			return nil, res, ErrNotFound
		}
		res.changed = true
		return nil, res, nil
	}

	next, err = json.Marshal(root)
	if err != nil {
		return nil, res, err
	}
	res.changed = true

	return next, res, nil
}

// clone copies the containers in v so a retried op never sees the effects
// of an earlier attempt.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, child := range t {
			m[k] = clone(child)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = clone(t[i])
		}
		return s
	default:
		return v
	}
}

func getPath(node map[string]any, path []string) any {
	var cur any = node
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}

	return cur
}

// setPath stores value under path, creating intermediate objects. A nil
// value removes the leaf, and objects left empty are pruned on the way out.
func setPath(node map[string]any, path []string, value any) {
	key := path[0]
	if len(path) == 1 {
		if value == nil {
			delete(node, key)
		} else {
			node[key] = value
		}
		return
	}

	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = map[string]any{}
		node[key] = child
	}

	setPath(child, path[1:], value)

	if len(child) == 0 {
		delete(node, key)
	}
}
