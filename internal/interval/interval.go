// Package interval implements the augmented interval tree that backs the
// address-space manager: a red-black tree keyed by [start,end) intervals,
// each node additionally carrying the min/max bounds of its subtree so
// overlap queries run in O(log n). Free-gap search walks the nodes in
// order and is O(n).
//
// Grounded on original_source/lib/interval_tree.c (intvl_tree_find,
// intvl_tree_find_free_gap, recalculate_min_max) for the algorithm; the
// red-black balancing is the classic CLRS scheme with a recompute-bottom-up
// augmentation hook on every rotation, matching the C implementation's
// post_rotate_callback/post_insert_callback/replace_node_callback design.
package interval

import "math"

/// Interval is a half-open virtual/physical range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

/// NullSet is the sentinel "no interval" value, mirroring the C NULL_SET.
var NullSet = Interval{Start: math.MaxUint64, End: 0}

func (i Interval) IsNull() bool { return i.Start == math.MaxUint64 && i.End == 0 }

func (i Interval) Size() uint64 { return i.End - i.Start }

/// Overlaps reports whether i and j share any point.
func (i Interval) Overlaps(j Interval) bool {
	return i.Start < j.End && j.Start < i.End
}

/// Contains reports whether i fully contains j.
func (i Interval) Contains(j Interval) bool {
	return j.Start >= i.Start && j.End <= i.End
}

type color bool

const (
	red   color = true
	black color = false
)

/// Node is an interval-tree node. Min/Max are the augmented subtree bounds
/// (min = min(interval.start, left.min, right.min), similarly for max).
/// Payload is an opaque pointer, exactly as the C node carries a void*.
type Node struct {
	Interval Interval
	Payload  interface{}

	left, right, parent *Node
	color                color
	min, max             uint64
}

/// Tree is the augmented red-black interval tree. A nil *Node root means
/// an empty tree, matching an empty rb_tree_t.
type Tree struct {
	root *Node
	size int
}

func New() *Tree { return &Tree{} }

func (t *Tree) Len() int { return t.size }

func nmin(n *Node) uint64 {
	if n == nil {
		return math.MaxUint64
	}
	return n.min
}

func nmax(n *Node) uint64 {
	if n == nil {
		return 0
	}
	return n.max
}

// recalc recomputes n's augmented min/max from its children, the CLRS
// "maintain augmentation on the way back up" step (recalculate_min_max in
// the C original).
func recalc(n *Node) {
	if n == nil {
		return
	}
	n.min = n.Interval.Start
	n.max = n.Interval.End
	if n.left != nil {
		if n.left.min < n.min {
			n.min = n.left.min
		}
		if n.left.max > n.max {
			n.max = n.left.max
		}
	}
	if n.right != nil {
		if n.right.min < n.min {
			n.min = n.right.min
		}
		if n.right.max > n.max {
			n.max = n.right.max
		}
	}
}

// recalcUp walks recalc from n up to the root: every rotation or structural
// change calls this so augmentation stays correct (post_rotate_callback).
func recalcUp(n *Node) {
	for x := n; x != nil; x = x.parent {
		recalc(x)
	}
}

func (t *Tree) rotateLeft(x *Node) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	recalc(x)
	recalc(y)
}

func (t *Tree) rotateRight(x *Node) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	recalc(x)
	recalc(y)
}

/// Insert adds interval with the given payload. Insertion is idempotent
/// with respect to an already-present interval key: inserting the same
/// [start,end) twice replaces the payload rather than duplicating the node,
/// per spec.md's TESTABLE PROPERTIES.
func (t *Tree) Insert(iv Interval, payload interface{}) *Node {
	var parent *Node
	cur := t.root
	for cur != nil {
		parent = cur
		switch {
		case iv.Start == cur.Interval.Start && iv.End == cur.Interval.End:
			cur.Payload = payload
			return cur
		case iv.Start < cur.Interval.Start:
			cur = cur.left
		default:
			cur = cur.right
		}
	}

	n := &Node{Interval: iv, Payload: payload, color: red, parent: parent}
	n.min, n.max = iv.Start, iv.End
	if parent == nil {
		t.root = n
	} else if iv.Start < parent.Interval.Start {
		parent.left = n
	} else {
		parent.right = n
	}
	t.size++
	recalcUp(n)
	t.insertFixup(n)
	return n
}

func (t *Tree) insertFixup(z *Node) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			u := gp.right
			if u != nil && u.color == red {
				z.parent.color = black
				u.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateRight(gp)
		} else {
			u := gp.left
			if u != nil && u.color == red {
				z.parent.color = black
				u.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateLeft(gp)
		}
	}
	t.root.color = black
}

/// Find returns a node overlapping query, or nil. Descends left only while
/// the left subtree's max could contain the query start, giving O(log n)
/// overlap search (spec.md 4.1).
func (t *Tree) Find(query Interval) *Node {
	n := t.root
	for n != nil {
		if n.Interval.Overlaps(query) {
			return n
		}
		if n.left != nil && n.left.max > query.Start {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil
}

/// FindExact returns the node whose interval exactly equals key, or nil.
func (t *Tree) FindExact(key Interval) *Node {
	n := t.root
	for n != nil {
		switch {
		case key.Start == n.Interval.Start && key.End == n.Interval.End:
			return n
		case key.Start < n.Interval.Start:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

func minimum(n *Node) *Node {
	for n.left != nil {
		n = n.left
	}
	return n
}

func successor(n *Node) *Node {
	if n.right != nil {
		return minimum(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

func (t *Tree) transplant(u, v *Node) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

/// Delete removes the node with the given exact key, if present.
func (t *Tree) Delete(key Interval) {
	z := t.FindExact(key)
	if z == nil {
		return
	}
	t.deleteNode(z)
}

func (t *Tree) deleteNode(z *Node) {
	y := z
	yOrigColor := y.color
	var x, xParent *Node

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = minimum(z.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
		recalc(y)
	}
	t.size--
	recalcUp(xParent)
	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree) deleteFixup(x, parent *Node) {
	for x != t.root && colorOf(x) == black && parent != nil {
		if x == parent.left {
			w := parent.right
			if colorOf(w) == red {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.left) == black && colorOf(w.right) == black {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.right) == black {
				if w.left != nil {
					w.left.color = black
				}
				w.color = red
				t.rotateRight(w)
				w = parent.right
			}
			w.color = parent.color
			parent.color = black
			if w.right != nil {
				w.right.color = black
			}
			t.rotateLeft(parent)
			x = t.root
			parent = nil
		} else {
			w := parent.left
			if colorOf(w) == red {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.right) == black && colorOf(w.left) == black {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.left) == black {
				if w.right != nil {
					w.right.color = black
				}
				w.color = red
				t.rotateLeft(w)
				w = parent.left
			}
			w.color = parent.color
			parent.color = black
			if w.left != nil {
				w.left.color = black
			}
			t.rotateRight(parent)
			x = t.root
			parent = nil
		}
	}
	if x != nil {
		x.color = black
	}
}

func colorOf(n *Node) color {
	if n == nil {
		return black
	}
	return n.color
}

/// InOrder visits every node in ascending start order.
func (t *Tree) InOrder(visit func(*Node)) {
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		walk(n.left)
		visit(n)
		walk(n.right)
	}
	walk(t.root)
}

/// FindFreeGap implements spec.md 4.1 / original_source's
// intvl_tree_find_free_gap: locate the lowest-start free range of size
// hint.Size() whose start is >= hint.Start and aligned to `align`,
// returning NullSet if none exists below ceiling.
func (t *Tree) FindFreeGap(hint Interval, align uint64, ceiling uint64) Interval {
	size := hint.Size()
	if align == 0 {
		align = 1
	}
	cursor := alignUp(hint.Start, align)

	// Collect in-order nodes once; a boot/runtime address space has few
	// enough mappings that this is simpler and no less correct than the
	// C original's node-link walk, while keeping the tree read-only here.
	var nodes []*Node
	t.InOrder(func(n *Node) { nodes = append(nodes, n) })

	for _, n := range nodes {
		if n.Interval.End <= cursor {
			continue
		}
		if n.Interval.Start >= cursor && n.Interval.Start-cursor >= size {
			return Interval{Start: cursor, End: cursor + size}
		}
		if n.Interval.Start < cursor+size {
			cursor = alignUp(n.Interval.End, align)
		}
	}
	if cursor+size <= ceiling {
		return Interval{Start: cursor, End: cursor + size}
	}
	return NullSet
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

/// CheckInvariants walks the tree verifying the augmented min/max bounds,
/// used by tests to assert spec.md's TESTABLE PROPERTIES for the interval
/// tree (n.min = min of subtree starts, n.max = max of subtree ends).
func (t *Tree) CheckInvariants() bool {
	var walk func(*Node) bool
	walk = func(n *Node) bool {
		if n == nil {
			return true
		}
		wantMin, wantMax := n.Interval.Start, n.Interval.End
		if n.left != nil {
			if n.left.min < wantMin {
				wantMin = n.left.min
			}
			if n.left.max > wantMax {
				wantMax = n.left.max
			}
		}
		if n.right != nil {
			if n.right.min < wantMin {
				wantMin = n.right.min
			}
			if n.right.max > wantMax {
				wantMax = n.right.max
			}
		}
		if n.min != wantMin || n.max != wantMax {
			return false
		}
		return walk(n.left) && walk(n.right)
	}
	return walk(t.root)
}
