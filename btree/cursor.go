package btree

import (
	"github.com/yggdrasil-sh/core/pagestore"
)

// frame is one level of a Cursor's root-to-leaf path. For a leaf, idx is the
// current key position; for an internal node, idx is the child index the
// cursor descended through to reach the frame below it.
type frame struct {
	node *node
	idx  int
}

// Cursor walks a Tree's entries in key order in either direction. It is a
// point-in-time snapshot: it holds decoded copies of the nodes on its path
// and does not observe mutations made through the Tree after it was created.
type Cursor struct {
	tree  *Tree
	stack []frame
}

// SeekGE positions a cursor at the first key >= key. Valid() is false if no
// such key exists.
func (t *Tree) SeekGE(key []byte) (*Cursor, error) {
	c := &Cursor{tree: t}
	addr := t.root
	for addr != pagestore.NilAddr {
		n, err := t.loadNode(addr)
		if err != nil {
			return nil, err
		}
		i := lowerBound(n.keys, key)
		c.stack = append(c.stack, frame{node: n, idx: i})
		if n.leaf {
			break
		}
		addr = n.children[i]
	}
	if !c.Valid() {
		if ok, err := c.climbForward(); err != nil {
			return nil, err
		} else if !ok {
			c.stack = nil
		}
	}
	return c, nil
}

// SeekLE positions a cursor at the last key <= key. Valid() is false if no
// such key exists.
func (t *Tree) SeekLE(key []byte) (*Cursor, error) {
	c := &Cursor{tree: t}
	addr := t.root
	for addr != pagestore.NilAddr {
		n, err := t.loadNode(addr)
		if err != nil {
			return nil, err
		}
		i := lowerBound(n.keys, key)
		if n.leaf {
			if i < len(n.keys) && compare(n.keys[i], key) == 0 {
				c.stack = append(c.stack, frame{node: n, idx: i})
			} else {
				c.stack = append(c.stack, frame{node: n, idx: i - 1})
			}
			break
		}
		if i < len(n.keys) && compare(n.keys[i], key) == 0 {
			i++
		}
		c.stack = append(c.stack, frame{node: n, idx: i})
		addr = n.children[i]
	}
	if !c.Valid() {
		if ok, err := c.climbBackward(); err != nil {
			return nil, err
		} else if !ok {
			c.stack = nil
		}
	}
	return c, nil
}

// First positions a cursor at the smallest key in the tree.
func (t *Tree) First() (*Cursor, error) {
	c := &Cursor{tree: t}
	if err := c.descendLeftmost(t.root); err != nil {
		return nil, err
	}
	return c, nil
}

// Last positions a cursor at the largest key in the tree.
func (t *Tree) Last() (*Cursor, error) {
	c := &Cursor{tree: t}
	if err := c.descendRightmost(t.root); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) descendLeftmost(addr pagestore.Addr) error {
	for addr != pagestore.NilAddr {
		n, err := c.tree.loadNode(addr)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, frame{node: n, idx: 0})
		if n.leaf {
			return nil
		}
		addr = n.children[0]
	}
	return nil
}

func (c *Cursor) descendRightmost(addr pagestore.Addr) error {
	for addr != pagestore.NilAddr {
		n, err := c.tree.loadNode(addr)
		if err != nil {
			return err
		}
		if n.leaf {
			c.stack = append(c.stack, frame{node: n, idx: len(n.keys) - 1})
			return nil
		}
		idx := len(n.children) - 1
		c.stack = append(c.stack, frame{node: n, idx: idx})
		addr = n.children[idx]
	}
	return nil
}

// Valid reports whether the cursor currently sits on an entry.
func (c *Cursor) Valid() bool {
	if len(c.stack) == 0 {
		return false
	}
	top := c.stack[len(c.stack)-1]
	return top.idx >= 0 && top.idx < len(top.node.keys)
}

// Key returns the current entry's key. Only valid when Valid() is true.
func (c *Cursor) Key() []byte {
	top := c.stack[len(c.stack)-1]
	return top.node.keys[top.idx]
}

// Value returns the current entry's value. Only valid when Valid() is true.
func (c *Cursor) Value() []byte {
	top := c.stack[len(c.stack)-1]
	return top.node.values[top.idx]
}

// Next advances the cursor to the next larger key, returning false once the
// cursor runs past the end of the tree.
func (c *Cursor) Next() (bool, error) {
	if len(c.stack) == 0 {
		return false, nil
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx < len(top.node.keys) {
		return true, nil
	}
	c.stack = c.stack[:len(c.stack)-1]
	return c.climbForward()
}

// Prev retreats the cursor to the next smaller key, returning false once the
// cursor runs before the start of the tree.
func (c *Cursor) Prev() (bool, error) {
	if len(c.stack) == 0 {
		return false, nil
	}
	top := &c.stack[len(c.stack)-1]
	top.idx--
	if top.idx >= 0 {
		return true, nil
	}
	c.stack = c.stack[:len(c.stack)-1]
	return c.climbBackward()
}

func (c *Cursor) climbForward() (bool, error) {
	for len(c.stack) > 0 {
		parent := &c.stack[len(c.stack)-1]
		parent.idx++
		if parent.idx < len(parent.node.children) {
			if err := c.descendLeftmost(parent.node.children[parent.idx]); err != nil {
				return false, err
			}
			return c.Valid(), nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}

func (c *Cursor) climbBackward() (bool, error) {
	for len(c.stack) > 0 {
		parent := &c.stack[len(c.stack)-1]
		parent.idx--
		if parent.idx >= 0 {
			if err := c.descendRightmost(parent.node.children[parent.idx]); err != nil {
				return false, err
			}
			return c.Valid(), nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}
