package contenthistory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChangeType classifies one diff entry.
type ChangeType string

// Change type constants (typed).
const (
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeModified  ChangeType = "modified"
	ChangeReordered ChangeType = "reordered"
)

// Change is one path-level difference between two snapshots. OldValue is set
// for removed and modified entries, NewValue for added and modified. For an
// identity-list add, Index is the element's position in the target sequence.
// A reordered entry targets an identity list whose matched elements changed
// relative order: OldValue and NewValue hold the full id sequences of the two
// sides, with no element payloads.
type Change struct {
	Path     string     `json:"path"`
	Type     ChangeType `json:"change_type"`
	OldValue *Value     `json:"old_value,omitempty"`
	NewValue *Value     `json:"new_value,omitempty"`
	Index    *int       `json:"index,omitempty"`
}

// Diff is an ordered list of changes: depth-first, parents before children,
// siblings in source-declared key/index order. Output is deterministic for
// identical inputs, and Compare(a,b) mirrors Compare(b,a): added and removed
// swap, modified and reordered swap old and new values.
type Diff []Change

// identityKey is the list-element field used for identity matching. When
// every element of both sequences is a mapping carrying a unique string "id",
// elements are matched by it regardless of position, which keeps reorders out
// of the diff.
const identityKey = "id"

// cancelCheckEvery controls how many visited nodes pass between context
// checks during a comparison.
const cancelCheckEvery = 256

// Compare computes the structural diff from a to b. It is a pure function:
// no storage access, no side effects. Comparison of large documents honors
// ctx cancellation, and recursion is bounded by MaxDepth.
func Compare(ctx context.Context, a, b *Value) (Diff, error) {
	d := &differ{ctx: ctx}
	if err := d.node("", a, b, 0); err != nil {
		return nil, err
	}
	return d.changes, nil
}

type differ struct {
	ctx     context.Context
	visited int
	changes Diff
}

func (d *differ) tick() error {
	d.visited++
	if d.visited%cancelCheckEvery == 0 {
		if err := d.ctx.Err(); err != nil {
			return fmt.Errorf("comparison canceled: %w", err)
		}
	}
	return nil
}

func (d *differ) node(path string, a, b *Value, depth int) error {
	if err := d.tick(); err != nil {
		return err
	}
	if depth > MaxDepth {
		return fmt.Errorf("%w at %q", ErrDepthExceeded, path)
	}
	if a == nil || b == nil {
		if !a.Equal(b) {
			d.changes = append(d.changes, Change{Path: path, Type: ChangeModified, OldValue: a, NewValue: b})
		}
		return nil
	}
	switch {
	case a.Kind() == KindMap && b.Kind() == KindMap:
		return d.mapNode(path, a, b, depth)
	case a.Kind() == KindList && b.Kind() == KindList:
		return d.listNode(path, a, b, depth)
	default:
		if !a.Equal(b) {
			d.changes = append(d.changes, Change{Path: path, Type: ChangeModified, OldValue: a, NewValue: b})
		}
		return nil
	}
}

func (d *differ) mapNode(path string, a, b *Value, depth int) error {
	// a's keys in declared order, then b-only keys in b's order
	for _, k := range a.keys {
		av := a.fields[k]
		childPath := joinKey(path, k)
		bv, ok := b.fields[k]
		if !ok {
			d.changes = append(d.changes, Change{Path: childPath, Type: ChangeRemoved, OldValue: av})
			continue
		}
		if av.IsComposite() && bv.IsComposite() && av.Kind() == bv.Kind() {
			if err := d.node(childPath, av, bv, depth+1); err != nil {
				return err
			}
			continue
		}
		if !av.Equal(bv) {
			d.changes = append(d.changes, Change{Path: childPath, Type: ChangeModified, OldValue: av, NewValue: bv})
		}
	}
	for _, k := range b.keys {
		if _, ok := a.fields[k]; ok {
			continue
		}
		d.changes = append(d.changes, Change{Path: joinKey(path, k), Type: ChangeAdded, NewValue: b.fields[k]})
	}
	return nil
}

func (d *differ) listNode(path string, a, b *Value, depth int) error {
	aIDs, aOK := elementIdentities(a)
	bIDs, bOK := elementIdentities(b)
	if aOK && bOK {
		return d.listByIdentity(path, a, b, aIDs, bIDs, depth)
	}
	return d.listByPosition(path, a, b, depth)
}

// elementIdentities returns the id of every element, in order, when all
// elements are mappings with unique string ids.
func elementIdentities(list *Value) ([]string, bool) {
	if list.Len() == 0 {
		return nil, true
	}
	ids := make([]string, 0, list.Len())
	seen := make(map[string]struct{}, list.Len())
	for i := 0; i < list.Len(); i++ {
		el := list.Item(i)
		if el.Kind() != KindMap {
			return nil, false
		}
		idv, ok := el.Field(identityKey)
		if !ok || idv.Kind() != KindString || idv.StringVal() == "" {
			return nil, false
		}
		id := idv.StringVal()
		if _, dup := seen[id]; dup {
			return nil, false
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, true
}

func (d *differ) listByIdentity(path string, a, b *Value, aIDs, bIDs []string, depth int) error {
	bByID := make(map[string]*Value, b.Len())
	for i, id := range bIDs {
		bByID[id] = b.Item(i)
	}
	aSet := make(map[string]struct{}, len(aIDs))
	for _, id := range aIDs {
		aSet[id] = struct{}{}
	}
	for i, id := range aIDs {
		childPath := fmt.Sprintf("%s[id=%s]", path, id)
		bv, ok := bByID[id]
		if !ok {
			d.changes = append(d.changes, Change{Path: childPath, Type: ChangeRemoved, OldValue: a.Item(i)})
			continue
		}
		if err := d.node(childPath, a.Item(i), bv, depth+1); err != nil {
			return err
		}
	}
	for i, id := range bIDs {
		if _, ok := aSet[id]; ok {
			continue
		}
		idx := i
		d.changes = append(d.changes, Change{
			Path:     fmt.Sprintf("%s[id=%s]", path, id),
			Type:     ChangeAdded,
			NewValue: b.Item(i),
			Index:    &idx,
		})
	}
	if matchedOrderDiffers(aIDs, bIDs, aSet, bByID) {
		d.changes = append(d.changes, Change{
			Path:     path,
			Type:     ChangeReordered,
			OldValue: idListValue(aIDs),
			NewValue: idListValue(bIDs),
		})
	}
	return nil
}

// matchedOrderDiffers reports whether the ids present on both sides appear in
// a different relative order. Removals and indexed adds already reproduce the
// target when the matched order is unchanged, so a reorder entry is emitted
// only when it is not.
func matchedOrderDiffers(aIDs, bIDs []string, aSet map[string]struct{}, bByID map[string]*Value) bool {
	var aMatched []string
	for _, id := range aIDs {
		if _, ok := bByID[id]; ok {
			aMatched = append(aMatched, id)
		}
	}
	i := 0
	for _, id := range bIDs {
		if _, ok := aSet[id]; !ok {
			continue
		}
		if aMatched[i] != id {
			return true
		}
		i++
	}
	return false
}

func idListValue(ids []string) *Value {
	out := NewList()
	for _, id := range ids {
		out.Append(String(id))
	}
	return out
}

func (d *differ) listByPosition(path string, a, b *Value, depth int) error {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}
	for i := 0; i < n; i++ {
		if err := d.node(fmt.Sprintf("%s[%d]", path, i), a.Item(i), b.Item(i), depth+1); err != nil {
			return err
		}
	}
	for i := n; i < a.Len(); i++ {
		d.changes = append(d.changes, Change{
			Path:     fmt.Sprintf("%s[%d]", path, i),
			Type:     ChangeRemoved,
			OldValue: a.Item(i),
		})
	}
	for i := n; i < b.Len(); i++ {
		d.changes = append(d.changes, Change{
			Path:     fmt.Sprintf("%s[%d]", path, i),
			Type:     ChangeAdded,
			NewValue: b.Item(i),
		})
	}
	return nil
}

// TopLevelPaths reduces a diff to its unique top-level sections, in diff
// order. This is the change summary recorded on each version.
func TopLevelPaths(d Diff) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range d {
		top := c.Path
		if i := strings.IndexAny(top, ".["); i >= 0 {
			top = top[:i]
		}
		if _, ok := seen[top]; ok {
			continue
		}
		seen[top] = struct{}{}
		out = append(out, top)
	}
	return out
}

// Apply replays a diff produced by Compare onto base and returns the patched
// document. base is not mutated. Apply(a, Compare(a, b)) reproduces b; the
// retention pipeline relies on this to verify a delta chain before the full
// snapshot it replaces is discarded.
func Apply(base *Value, d Diff) (*Value, error) {
	out := base.Clone()
	// Positional list removals are deferred and applied highest index first
	// so earlier removals do not shift later ones.
	var deferred []Change
	for _, c := range d {
		if c.Type == ChangeRemoved && isPositionalRemoval(c.Path) {
			deferred = append(deferred, c)
			continue
		}
		if err := applyChange(out, c); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(deferred, func(i, j int) bool {
		pi, ni := splitTrailingIndex(deferred[i].Path)
		pj, nj := splitTrailingIndex(deferred[j].Path)
		if pi != pj {
			return pi < pj
		}
		return ni > nj
	})
	for _, c := range deferred {
		if err := applyChange(out, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// splitTrailingIndex splits "items[12]" into ("items", 12). Callers only pass
// paths already matched by isPositionalRemoval.
func splitTrailingIndex(path string) (string, int) {
	i := strings.LastIndexByte(path, '[')
	n, _ := strconv.Atoi(path[i+1 : len(path)-1])
	return path[:i], n
}

func isPositionalRemoval(path string) bool {
	if !strings.HasSuffix(path, "]") {
		return false
	}
	i := strings.LastIndexByte(path, '[')
	if i < 0 {
		return false
	}
	_, err := strconv.Atoi(path[i+1 : len(path)-1])
	return err == nil
}

type pathSegment struct {
	key   string
	index int // positional list segment when >= 0
	id    string
}

func (s pathSegment) isIndex() bool { return s.index >= 0 }
func (s pathSegment) isID() bool    { return s.id != "" }

func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segs []pathSegment
	rest := path
	for rest != "" {
		if rest[0] == '.' {
			rest = rest[1:]
			if rest == "" {
				return nil, fmt.Errorf("path %q ends with separator", path)
			}
		}
		if rest[0] == '[' {
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q has unterminated bracket", path)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			if id, ok := strings.CutPrefix(inner, "id="); ok {
				if id == "" {
					return nil, fmt.Errorf("path %q has empty identity", path)
				}
				segs = append(segs, pathSegment{index: -1, id: id})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q has invalid index %q", path, inner)
			}
			segs = append(segs, pathSegment{index: idx})
			continue
		}
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		segs = append(segs, pathSegment{key: rest[:end], index: -1})
		rest = rest[end:]
	}
	return segs, nil
}

func applyChange(root *Value, c Change) error {
	segs, err := parsePath(c.Path)
	if err != nil {
		return fmt.Errorf("apply %s: %w", c.Type, err)
	}
	if c.Type == ChangeReordered {
		target := root
		for _, seg := range segs {
			target, err = descend(target, seg)
			if err != nil {
				return fmt.Errorf("apply %s at %q: %w", c.Type, c.Path, err)
			}
		}
		if err := reorderList(target, c.NewValue); err != nil {
			return fmt.Errorf("apply %s at %q: %w", c.Type, c.Path, err)
		}
		return nil
	}
	parent := root
	for _, seg := range segs[:len(segs)-1] {
		next, err := descend(parent, seg)
		if err != nil {
			return fmt.Errorf("apply %s at %q: %w", c.Type, c.Path, err)
		}
		parent = next
	}
	if err := applyLeaf(parent, segs[len(segs)-1], c); err != nil {
		return fmt.Errorf("apply %s at %q: %w", c.Type, c.Path, err)
	}
	return nil
}

func descend(v *Value, seg pathSegment) (*Value, error) {
	switch {
	case seg.isID():
		if v.Kind() != KindList {
			return nil, fmt.Errorf("expected list, got %s", v.Kind())
		}
		if i := findByID(v, seg.id); i >= 0 {
			return v.items[i], nil
		}
		return nil, fmt.Errorf("no element with id %q", seg.id)
	case seg.isIndex():
		if v.Kind() != KindList {
			return nil, fmt.Errorf("expected list, got %s", v.Kind())
		}
		if seg.index >= v.Len() {
			return nil, fmt.Errorf("index %d out of range", seg.index)
		}
		return v.items[seg.index], nil
	default:
		if v.Kind() != KindMap {
			return nil, fmt.Errorf("expected map, got %s", v.Kind())
		}
		child, ok := v.fields[seg.key]
		if !ok {
			return nil, fmt.Errorf("no field %q", seg.key)
		}
		return child, nil
	}
}

// reorderList rearranges an identity list's elements to match the id
// sequence carried by a reordered entry.
func reorderList(list *Value, order *Value) error {
	if list == nil {
		return fmt.Errorf("expected list, got nothing")
	}
	if list.Kind() != KindList {
		return fmt.Errorf("expected list, got %s", list.Kind())
	}
	if order == nil || order.Kind() != KindList || order.Len() != list.Len() {
		return fmt.Errorf("order does not cover the %d list elements", list.Len())
	}
	items := make([]*Value, 0, list.Len())
	for i := 0; i < order.Len(); i++ {
		idv := order.Item(i)
		if idv.Kind() != KindString {
			return fmt.Errorf("order entry %d is not an id", i)
		}
		j := findByID(list, idv.StringVal())
		if j < 0 {
			return fmt.Errorf("no element with id %q", idv.StringVal())
		}
		items = append(items, list.items[j])
	}
	list.items = items
	return nil
}

func findByID(list *Value, id string) int {
	for i, el := range list.items {
		if el.Kind() != KindMap {
			continue
		}
		if idv, ok := el.Field(identityKey); ok && idv.Kind() == KindString && idv.StringVal() == id {
			return i
		}
	}
	return -1
}

func applyLeaf(parent *Value, seg pathSegment, c Change) error {
	switch {
	case seg.isID():
		if parent.Kind() != KindList {
			return fmt.Errorf("expected list, got %s", parent.Kind())
		}
		i := findByID(parent, seg.id)
		switch c.Type {
		case ChangeAdded:
			if i >= 0 {
				return fmt.Errorf("element with id %q already present", seg.id)
			}
			idx := parent.Len()
			if c.Index != nil && *c.Index >= 0 && *c.Index < idx {
				idx = *c.Index
			}
			parent.items = append(parent.items[:idx],
				append([]*Value{c.NewValue.Clone()}, parent.items[idx:]...)...)
		case ChangeRemoved:
			if i < 0 {
				return fmt.Errorf("no element with id %q", seg.id)
			}
			parent.items = append(parent.items[:i], parent.items[i+1:]...)
		case ChangeModified:
			if i < 0 {
				return fmt.Errorf("no element with id %q", seg.id)
			}
			parent.items[i] = c.NewValue.Clone()
		}
	case seg.isIndex():
		if parent.Kind() != KindList {
			return fmt.Errorf("expected list, got %s", parent.Kind())
		}
		switch c.Type {
		case ChangeAdded:
			if seg.index > parent.Len() {
				return fmt.Errorf("index %d out of range for insert", seg.index)
			}
			parent.items = append(parent.items[:seg.index],
				append([]*Value{c.NewValue.Clone()}, parent.items[seg.index:]...)...)
		case ChangeRemoved:
			if seg.index >= parent.Len() {
				return fmt.Errorf("index %d out of range", seg.index)
			}
			parent.items = append(parent.items[:seg.index], parent.items[seg.index+1:]...)
		case ChangeModified:
			if seg.index >= parent.Len() {
				return fmt.Errorf("index %d out of range", seg.index)
			}
			parent.items[seg.index] = c.NewValue.Clone()
		}
	default:
		if parent.Kind() != KindMap {
			return fmt.Errorf("expected map, got %s", parent.Kind())
		}
		switch c.Type {
		case ChangeAdded, ChangeModified:
			parent.Set(seg.key, c.NewValue.Clone())
		case ChangeRemoved:
			parent.deleteField(seg.key)
		}
	}
	return nil
}
