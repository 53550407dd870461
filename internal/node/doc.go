// Package node implements the reactive lifecycle unit of the statetree
// runtime and the machinery attached to it: the dynamic attribute table
// with synchronous change observers, identity-keyed singleton construction,
// parent linkage with cycle rejection, cascading close, managed slots
// (lazily materialized owned children), managed tuple slots (ordered,
// deduplicated, diffable child collections), and linkers that mirror one
// attribute onto another with equality-verified propagation.
//
// A Node is meant to be embedded:
//
//	type Widget struct {
//		node.Node
//		// ...
//	}
//
//	w := &Widget{}
//	w.Init(w, node.Spec{})
//	w.DefineAttr("description", node.AttrOptions{Default: ""})
//
// Embedding promotes the full lifecycle and attribute API onto the outer
// type; Init records the outer value (the ki-style "this" pointer) so
// change notifications and registries carry the subclass, not the embedded
// core.
//
// Ownership is a strict tree. Children are owned exclusively by the
// managed slot or tuple slot holding them; the parent reference is a
// non-owning back-link, and the upward close cascade is modeled as
// "observe the parent's close event", not structural ownership.
package node
