// Package graph runs directed workflows of named nodes against a
// shared state, with checkpointing at node boundaries, suspendable
// runs, and cancellation that surfaces cleanly to nodes.
package graph

import (
	"context"
	"fmt"
)

// Reserved node names marking the entry and exit of every graph.
const (
	Start = "__start__"
	End   = "__end__"
)

// NodeFunc executes one node: it derives a new state from the input
// state. Nodes may be I/O heavy and must respect ctx cancellation.
type NodeFunc func(ctx context.Context, state State) (State, error)

// RouterFunc picks the next node after a router-gated edge.
type RouterFunc func(state State) string

// Graph is a mutable builder for a workflow. Compile validates it into
// an executable form.
type Graph struct {
	name    string
	nodes   map[string]NodeFunc
	edges   map[string]string
	routers map[string]RouterFunc
}

// New creates an empty graph builder.
func New(name string) *Graph {
	return &Graph{
		name:    name,
		nodes:   make(map[string]NodeFunc),
		edges:   make(map[string]string),
		routers: make(map[string]RouterFunc),
	}
}

// AddNode registers a named node.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge adds an unconditional edge from one node to the next. The
// source Start sets the entry node; the target End terminates the run.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddRouter adds a router-gated edge: after from completes, the router
// inspects the state and names the next node.
func (g *Graph) AddRouter(from string, fn RouterFunc) *Graph {
	g.routers[from] = fn
	return g
}

// Compiled is a validated, immutable graph ready to run.
type Compiled struct {
	name    string
	entry   string
	nodes   map[string]NodeFunc
	edges   map[string]string
	routers map[string]RouterFunc
}

// Name returns the graph's name.
func (c *Compiled) Name() string { return c.name }

// Entry returns the first node of a run.
func (c *Compiled) Entry() string { return c.entry }

// HasNode reports whether a node exists.
func (c *Compiled) HasNode(name string) bool {
	_, ok := c.nodes[name]
	return ok
}

// Compile validates the graph: a Start edge exists, every edge and
// every node referenced is defined, and every node can reach a
// successor (edge or router).
func (g *Graph) Compile() (*Compiled, error) {
	entry, ok := g.edges[Start]
	if !ok {
		return nil, fmt.Errorf("graph %s: no entry edge from %s", g.name, Start)
	}
	if _, ok := g.nodes[entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry node %s is not defined", g.name, entry)
	}

	for from, to := range g.edges {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return nil, fmt.Errorf("graph %s: edge from undefined node %s", g.name, from)
			}
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("graph %s: edge to undefined node %s", g.name, to)
			}
		}
	}
	for from := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s: router on undefined node %s", g.name, from)
		}
		if _, dup := g.edges[from]; dup {
			return nil, fmt.Errorf("graph %s: node %s has both an edge and a router", g.name, from)
		}
	}
	for name := range g.nodes {
		_, hasEdge := g.edges[name]
		_, hasRouter := g.routers[name]
		if !hasEdge && !hasRouter {
			return nil, fmt.Errorf("graph %s: node %s has no outgoing edge or router", g.name, name)
		}
	}

	return &Compiled{
		name:    g.name,
		entry:   entry,
		nodes:   g.nodes,
		edges:   g.edges,
		routers: g.routers,
	}, nil
}

// next resolves the node following from, given the state. Router
// results are validated by the executor.
func (c *Compiled) next(from string, state State) (string, error) {
	if router, ok := c.routers[from]; ok {
		to := router(state)
		if to == "" {
			return "", fmt.Errorf("graph %s: router of %s returned no target", c.name, from)
		}
		if to != End {
			if _, ok := c.nodes[to]; !ok {
				return "", fmt.Errorf("graph %s: router of %s targets undefined node %s", c.name, from, to)
			}
		}
		return to, nil
	}
	if to, ok := c.edges[from]; ok {
		return to, nil
	}
	return "", fmt.Errorf("graph %s: node %s has no successor", c.name, from)
}
