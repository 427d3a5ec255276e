package bomgraph

import (
	"errors"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrCorruptGraph is returned when a hierarchy expansion meets a part that is
// already on the current path. The insert-time cycle check makes this
// unreachable for data written through the BOM service.
var ErrCorruptGraph = errors.New("bom graph contains a cycle")

// Edge is one parent -> child usage.
type Edge struct {
	ParentID string
	ChildID  string
	Quantity int
}

// PartInfo carries the display fields of a part.
type PartInfo struct {
	ID    string
	Code  string
	Title string
}

// Node is one position in an expanded hierarchy. A part used by two
// sub-assemblies appears once under each of them.
type Node struct {
	PartID string `json:"part_id"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Level  int    `json:"level"`
	// Quantity is the direct edge quantity from the parent node.
	Quantity int `json:"quantity"`
	// TotalQuantity multiplies quantities along the path from the root.
	TotalQuantity int     `json:"total_quantity"`
	Children      []*Node `json:"children"`
}

// Hierarchy is the full reachable subtree under a root part.
type Hierarchy struct {
	Root *Node `json:"root"`
	// Rollup sums TotalQuantity per part over every path from the root.
	Rollup map[string]int `json:"rollup"`
}

// BuildHierarchy expands the subtree under rootID. children maps a parent id
// to its outgoing edges; parts provides titles for ordering and display.
// Children are ordered by title using a language-neutral collation, then by
// part id.
func BuildHierarchy(rootID string, children map[string][]Edge, parts map[string]PartInfo, tag language.Tag) (*Hierarchy, error) {
	col := collate.New(tag, collate.IgnoreCase)
	info := parts[rootID]
	root := &Node{PartID: rootID, Code: info.Code, Title: info.Title, Quantity: 1, TotalQuantity: 1}
	onPath := map[string]bool{}
	if err := expand(root, children, parts, col, onPath); err != nil {
		return nil, err
	}
	h := &Hierarchy{Root: root, Rollup: map[string]int{}}
	accumulate(root, h.Rollup)
	return h, nil
}

func expand(n *Node, children map[string][]Edge, parts map[string]PartInfo, col *collate.Collator, onPath map[string]bool) error {
	if onPath[n.PartID] {
		return ErrCorruptGraph
	}
	onPath[n.PartID] = true
	defer delete(onPath, n.PartID)

	edges := children[n.PartID]
	n.Children = make([]*Node, 0, len(edges))
	for _, e := range edges {
		info := parts[e.ChildID]
		n.Children = append(n.Children, &Node{
			PartID:        e.ChildID,
			Code:          info.Code,
			Title:         info.Title,
			Level:         n.Level + 1,
			Quantity:      e.Quantity,
			TotalQuantity: n.TotalQuantity * e.Quantity,
		})
	}
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if c := col.CompareString(a.Title, b.Title); c != 0 {
			return c < 0
		}
		return a.PartID < b.PartID
	})
	for _, c := range n.Children {
		if err := expand(c, children, parts, col, onPath); err != nil {
			return err
		}
	}
	return nil
}

func accumulate(n *Node, rollup map[string]int) {
	for _, c := range n.Children {
		rollup[c.PartID] += c.TotalQuantity
		accumulate(c, rollup)
	}
}

// SortByTitle orders parts by title with the same collation as the hierarchy.
func SortByTitle(parts []PartInfo, tag language.Tag) {
	col := collate.New(tag, collate.IgnoreCase)
	sort.SliceStable(parts, func(i, j int) bool {
		if c := col.CompareString(parts[i].Title, parts[j].Title); c != 0 {
			return c < 0
		}
		return parts[i].ID < parts[j].ID
	})
}
