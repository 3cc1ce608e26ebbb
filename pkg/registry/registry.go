// Package registry loads and exposes the set of S3 nodes the CDN serves
// from.
//
// Nodes are described in a JSON document mapping alias to descriptor.
// One node carries the alias "ORIGIN" and is the authoritative store;
// the rest are edge locations. Descriptors are immutable after load.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// OriginAlias is the distinguished alias of the authoritative node.
const OriginAlias = "ORIGIN"

// ErrLocationsUnavailable is returned when no active node carries the
// origin alias. Without an origin no request can be served.
var ErrLocationsUnavailable = errors.New("all S3 locations are not available")

// Node describes a single S3-compatible store.
//
// IsActive mirrors the node file's string encoding ("True"/"False");
// use Active() for the parsed value.
type Node struct {
	Endpoint        string  `json:"endpoint"`
	Alias           string  `json:"alias"`
	AccessKeyID     string  `json:"access_key_id"`
	SecretAccessKey string  `json:"secret_access_key"`
	City            string  `json:"city"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	IsActive        string  `json:"is_active"`
}

// Active reports whether the node is marked active in the node file.
func (n Node) Active() bool { return n.IsActive == "True" }

// URL returns the endpoint in the scheme-qualified form used for cache
// keys and client construction.
func (n Node) URL() string { return "http://" + n.Endpoint }

// IsOrigin reports whether this node is the origin.
func (n Node) IsOrigin() bool { return n.Alias == OriginAlias }

// Registry holds the node set loaded from the node file.
type Registry struct {
	path string
}

// New creates a registry reading node descriptors from path.
func New(path string) *Registry {
	return &Registry{path: path}
}

// ActiveNodes loads the node file and returns the active nodes keyed by
// alias. The file is re-read on every call so node activation changes
// take effect without a restart.
func (r *Registry) ActiveNodes() (map[string]Node, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node file %q: %w", r.path, err)
	}

	var all map[string]Node
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("failed to parse node file %q: %w", r.path, err)
	}

	active := make(map[string]Node, len(all))
	for alias, node := range all {
		if node.Active() {
			active[alias] = node
		}
	}
	return active, nil
}

// Origin returns the active origin node from nodes, or
// ErrLocationsUnavailable when it is missing.
func Origin(nodes map[string]Node) (Node, error) {
	origin, ok := nodes[OriginAlias]
	if !ok {
		return Node{}, ErrLocationsUnavailable
	}
	return origin, nil
}

// SortedAliases returns the aliases of nodes in lexical order. Iteration
// over the active set is otherwise nondeterministic; sweeps use this to
// keep log output stable.
func SortedAliases(nodes map[string]Node) []string {
	aliases := make([]string, 0, len(nodes))
	for alias := range nodes {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
