// Package cluster exposes node identity and cluster membership.
//
// The scheduler only needs three facts: whether we run clustered, our own
// node id, and the current member set. How members are discovered is someone
// else's problem; here membership is static, taken from configuration.
package cluster

import (
	"fmt"
	"strings"
)

// Membership answers identity questions about the local node and its peers.
type Membership interface {
	// IsClustered reports whether this node is part of a multi-node cluster.
	IsClustered() bool
	// ID returns the stable identifier of the local node.
	ID() string
	// MemberIDs returns the ids of all current cluster members, local node included.
	MemberIDs() []string
}

type staticMembership struct {
	id      string
	members []string
}

// NewStatic builds a Membership from a fixed member list.
//
// members may be empty (single-node deployment); the local id is always
// treated as a member even if the list omits it.
func NewStatic(id string, members []string) (Membership, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("cluster: node id is required")
	}

	seen := map[string]bool{id: true}
	all := []string{id}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		all = append(all, m)
	}
	return &staticMembership{id: id, members: all}, nil
}

func (s *staticMembership) IsClustered() bool { return len(s.members) > 1 }

func (s *staticMembership) ID() string { return s.id }

func (s *staticMembership) MemberIDs() []string {
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// IsMember reports whether id is in the member set.
func IsMember(m Membership, id string) bool {
	for _, v := range m.MemberIDs() {
		if v == id {
			return true
		}
	}
	return false
}
