package study

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tree is a rooted tree of annotated positions keyed by integer id. Node 0
// is the root and holds the starting position. Tree is not safe for
// concurrent use.
type Tree struct {
	nodes map[int]*Node
}

// NewTree returns a tree holding only the root position.
func NewTree(rootKey string) *Tree {
	return &Tree{nodes: map[int]*Node{
		RootID: {ID: RootID, PositionKey: rootKey, ChildIDs: []int{}},
	}}
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// IDs returns every node id in ascending order.
func (t *Tree) IDs() []int {
	ids := make([]int, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id int) (*Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Parent returns the id of the node's parent. The root has none.
func (t *Tree) Parent(id int) (int, bool) {
	for pid, n := range t.nodes {
		for _, cid := range n.ChildIDs {
			if cid == id {
				return pid, true
			}
		}
	}
	return 0, false
}

// PositionKeys returns the distinct position keys in the tree.
func (t *Tree) PositionKeys() []string {
	seen := make(map[string]struct{}, len(t.nodes))
	keys := make([]string, 0, len(t.nodes))
	for _, id := range t.IDs() {
		key := t.nodes[id].PositionKey
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// AddChild creates a node for positionKey under parentID and returns its id,
// one greater than the largest id in use.
func (t *Tree) AddChild(parentID int, positionKey string) (int, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return 0, fmt.Errorf("%w: parent %d", ErrNodeNotFound, parentID)
	}
	if strings.TrimSpace(positionKey) == "" {
		return 0, fmt.Errorf("%w: position key cannot be empty", ErrInvalidOperation)
	}

	id := t.maxID() + 1
	t.nodes[id] = &Node{ID: id, PositionKey: positionKey, ChildIDs: []int{}}
	parent.ChildIDs = append(parent.ChildIDs, id)
	return id, nil
}

// DeleteNode removes a node and all of its descendants. The root cannot be
// deleted; a rejected delete leaves the tree unchanged.
func (t *Tree) DeleteNode(id int) error {
	if id == RootID {
		return fmt.Errorf("%w: the root node cannot be deleted", ErrInvalidOperation)
	}
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, id)
	}
	parentID, ok := t.Parent(id)
	if !ok {
		return fmt.Errorf("%w: node %d has no parent", ErrInvalidOperation, id)
	}

	for _, doomed := range t.subtree(id) {
		delete(t.nodes, doomed)
	}

	parent := t.nodes[parentID]
	kept := parent.ChildIDs[:0]
	for _, cid := range parent.ChildIDs {
		if cid != id {
			kept = append(kept, cid)
		}
	}
	parent.ChildIDs = kept
	return nil
}

// SetComment replaces a node's comment.
func (t *Tree) SetComment(id int, comment string) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, id)
	}
	n.Comment = comment
	return nil
}

// SetEvaluation attaches an evaluation to a node. A nil evaluation marks it pending.
func (t *Tree) SetEvaluation(id int, ev *Evaluation) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, id)
	}
	n.Evaluation = ev.Clone()
	return nil
}

// ApplyEvaluation attaches ev to every node holding its position and
// returns how many nodes changed.
func (t *Tree) ApplyEvaluation(ev *Evaluation) int {
	if ev == nil {
		return 0
	}
	changed := 0
	for _, n := range t.nodes {
		if n.PositionKey == ev.PositionKey {
			n.Evaluation = ev.Clone()
			changed++
		}
	}
	return changed
}

// Pending returns the ids of nodes without an evaluation, ascending.
func (t *Tree) Pending() []int {
	var ids []int
	for _, id := range t.IDs() {
		if t.nodes[id].Evaluation == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ImportSubtree copies the foreign tree below attachTo. Every foreign node
// except the root gets a fresh id, starting above the largest id in use,
// and the foreign root's children are appended to attachTo's children. The
// foreign root's comment is carried over when attachTo has none. It returns
// the mapping from foreign ids to new ids.
func (t *Tree) ImportSubtree(foreign *Tree, attachTo int) (map[int]int, error) {
	target, ok := t.nodes[attachTo]
	if !ok {
		return nil, fmt.Errorf("%w: attach point %d", ErrNodeNotFound, attachTo)
	}
	if foreign == nil {
		return nil, fmt.Errorf("%w: no tree to import", ErrInvalidOperation)
	}
	if err := foreign.Validate(); err != nil {
		return nil, fmt.Errorf("%w: imported tree is invalid: %v", ErrInvalidOperation, err)
	}

	mapping := make(map[int]int, foreign.Len()-1)
	next := t.maxID() + 1

	// Breadth-first, so ids follow display order level by level.
	queue := append([]int(nil), foreign.nodes[RootID].ChildIDs...)
	for len(queue) > 0 {
		fid := queue[0]
		queue = queue[1:]
		mapping[fid] = next
		next++
		queue = append(queue, foreign.nodes[fid].ChildIDs...)
	}

	for fid, nid := range mapping {
		src := foreign.nodes[fid]
		n := src.clone()
		n.ID = nid
		for i, cid := range src.ChildIDs {
			n.ChildIDs[i] = mapping[cid]
		}
		t.nodes[nid] = n
	}

	root := foreign.nodes[RootID]
	for _, cid := range root.ChildIDs {
		target.ChildIDs = append(target.ChildIDs, mapping[cid])
	}
	if target.Comment == "" {
		target.Comment = root.Comment
	}
	if target.Evaluation == nil && root.Evaluation != nil && root.PositionKey == target.PositionKey {
		target.Evaluation = root.Evaluation.Clone()
	}

	return mapping, nil
}

// Export returns a deep copy of the tree.
func (t *Tree) Export() *Tree {
	out := &Tree{nodes: make(map[int]*Node, len(t.nodes))}
	for id, n := range t.nodes {
		out.nodes[id] = n.clone()
	}
	return out
}

// Validate checks the tree invariants: a root at id 0, node ids matching
// their keys, every child present, every non-root node with exactly one
// parent and reachable from the root.
func (t *Tree) Validate() error {
	root, ok := t.nodes[RootID]
	if !ok {
		return fmt.Errorf("tree has no root node")
	}
	if root.PositionKey == "" {
		return fmt.Errorf("root node has no position")
	}

	parents := make(map[int]int, len(t.nodes))
	for id, n := range t.nodes {
		if n.ID != id {
			return fmt.Errorf("node stored under id %d claims id %d", id, n.ID)
		}
		for _, cid := range n.ChildIDs {
			if _, ok := t.nodes[cid]; !ok {
				return fmt.Errorf("node %d references missing child %d", id, cid)
			}
			if cid == RootID {
				return fmt.Errorf("node %d lists the root as a child", id)
			}
			if prev, dup := parents[cid]; dup {
				return fmt.Errorf("node %d has two parents: %d and %d", cid, prev, id)
			}
			parents[cid] = id
		}
	}

	if reached := len(t.subtree(RootID)); reached != len(t.nodes) {
		return fmt.Errorf("%d nodes are unreachable from the root", len(t.nodes)-reached)
	}
	return nil
}

// MarshalJSON encodes the tree as its id to node mapping.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.nodes)
}

// UnmarshalJSON decodes an id to node mapping. Use Validate to check the result.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var nodes map[int]*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	for id, n := range nodes {
		if n == nil {
			return fmt.Errorf("node %d is null", id)
		}
		if n.ChildIDs == nil {
			n.ChildIDs = []int{}
		}
	}
	t.nodes = nodes
	return nil
}

// subtree returns id and all of its descendants, stopping at revisited ids.
func (t *Tree) subtree(id int) []int {
	seen := map[int]bool{}
	var out []int
	stack := []int{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		if n, ok := t.nodes[cur]; ok {
			stack = append(stack, n.ChildIDs...)
		}
	}
	return out
}

func (t *Tree) maxID() int {
	highest := RootID
	for id := range t.nodes {
		if id > highest {
			highest = id
		}
	}
	return highest
}

func (n *Node) clone() *Node {
	out := *n
	out.ChildIDs = append([]int{}, n.ChildIDs...)
	out.Evaluation = n.Evaluation.Clone()
	return &out
}
