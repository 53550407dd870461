package node

import (
	"strings"

	"github.com/statetree/statetree/internal/errors"
)

// Pair is one (node, attribute) hop of a resolved dotted path. Terminal
// marks the hop whose value the path denotes.
type Pair struct {
	Node     *Node
	Attr     string
	Terminal bool
}

// asNode unwraps a value into its lifecycle core, or nil.
func asNode(v any) *Node {
	if nd, ok := v.(Noder); ok {
		return nd.AsNode()
	}
	return nil
}

// hasValueAttr reports whether v is a node exposing a "value" attribute.
// Dotted paths substitute ".value" at the terminal segment for such nodes.
func hasValueAttr(v any) (*Node, bool) {
	nd := asNode(v)
	if nd == nil {
		return nil, false
	}
	return nd, nd.HasAttr("value")
}

// GetPath reads a dotted attribute path starting at root. Intermediate
// segments must resolve to nodes. When the terminal value is itself a node
// exposing a "value" attribute, that attribute is read instead.
func GetPath(root any, path string) (any, error) {
	cur := root
	for _, seg := range splitPath(path) {
		nd := asNode(cur)
		if nd == nil {
			return nil, errors.NewValidationError("path segment is not a node").
				WithAttr(path).WithValue(cur)
		}
		v, err := nd.Get(seg)
		if err != nil {
			return nil, err
		}
		cur = v
	}

	if nd, ok := hasValueAttr(cur); ok {
		return nd.Get("value")
	}
	return cur, nil
}

// SetPath writes a dotted attribute path starting at root. The two cases
// of the terminal assignment are discriminated when the path is resolved:
// assign the attribute directly, or delegate to the nested settable's own
// "value" attribute.
func SetPath(root any, path string, v any) error {
	nd, attrName, err := resolveEndpoint(root, path)
	if err != nil {
		return err
	}
	return nd.Set(attrName, v)
}

// resolveEndpoint walks path down to the final (node, attribute) pair,
// substituting ".value" when the terminal attribute currently holds a node
// that exposes one.
func resolveEndpoint(root any, path string) (*Node, string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, "", errors.NewValidationError("empty path").WithAttr(path)
	}

	cur := root
	for _, seg := range segs[:len(segs)-1] {
		nd := asNode(cur)
		if nd == nil {
			return nil, "", errors.NewValidationError("path segment is not a node").
				WithAttr(path).WithValue(cur)
		}
		v, err := nd.Get(seg)
		if err != nil {
			return nil, "", err
		}
		cur = v
	}

	nd := asNode(cur)
	if nd == nil {
		return nil, "", errors.NewValidationError("path segment is not a node").
			WithAttr(path).WithValue(cur)
	}
	last := segs[len(segs)-1]
	if !nd.HasAttr(last) {
		return nil, "", errors.Wrapf(errors.ErrAttrNotFound, "resolve %q", path)
	}

	if v, err := nd.Get(last); err == nil {
		if inner, ok := hasValueAttr(v); ok {
			return inner, "value", nil
		}
	}
	return nd, last, nil
}

// WalkPath resolves as much of a dotted path as the current graph shape
// allows and returns every (node, attribute) hop touched. An attribute
// that is undefined, or an intermediate value that is not a node, stops
// the walk without error: callers re-walk when the graph changes.
func WalkPath(root any, path string) []Pair {
	var pairs []Pair
	segs := splitPath(path)

	cur := root
	for i, seg := range segs {
		nd := asNode(cur)
		if nd == nil || nd.Closed() || !nd.HasAttr(seg) {
			return pairs
		}
		terminal := i == len(segs)-1
		pairs = append(pairs, Pair{Node: nd, Attr: seg, Terminal: terminal})

		v, err := nd.Get(seg)
		if err != nil {
			return pairs
		}
		cur = v
	}

	if nd, ok := hasValueAttr(cur); ok && !nd.Closed() {
		if len(pairs) > 0 {
			pairs[len(pairs)-1].Terminal = false
		}
		pairs = append(pairs, Pair{Node: nd, Attr: "value", Terminal: true})
	}
	return pairs
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
