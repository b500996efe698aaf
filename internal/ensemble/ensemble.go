// Package ensemble holds the ensemble-wide data model: Members, Views,
// Clusters and the federation of Clusters (the Ensemble itself), plus the
// deterministic bucket-to-cluster partitioner.
package ensemble

import "sort"

// Member identifies a cluster participant as reported by a Membership probe.
type Member struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// View is a snapshot of a remote cluster's membership, as returned by a
// Membership command.
type View struct {
	Members []Member `json:"members"`
}

// Diff computes the set difference between this (old) view and next (new):
// joiners are Members present in next but not in v, leavers are Members
// present in v but not in next. Comparison is by Member value (name, host,
// port all must match for two members to be considered the same).
func (v View) Diff(next View) (joiners, leavers []Member) {
	old := make(map[Member]bool, len(v.Members))
	for _, m := range v.Members {
		old[m] = true
	}
	cur := make(map[Member]bool, len(next.Members))
	for _, m := range next.Members {
		cur[m] = true
	}
	for _, m := range next.Members {
		if !old[m] {
			joiners = append(joiners, m)
		}
	}
	for _, m := range v.Members {
		if !cur[m] {
			leavers = append(leavers, m)
		}
	}
	return joiners, leavers
}

// Names returns the sorted member names of the view.
func (v View) Names() []string {
	names := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// Cluster is a named set of nodes, local or remote, sharing a hash ring.
// The node-holding side of this type lives in package router; this struct
// is the plain data the rest of the system (discovery, partitioning)
// addresses a cluster by.
type Cluster struct {
	Name   string
	Local  bool
	Bootstrap Member
}
