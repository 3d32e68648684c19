package txn

import (
	"fmt"
	"strconv"
	"strings"
)

// QuorumPolicy decides how many replicas of a partition must apply a
// transaction before it may commit.
type QuorumPolicy interface {
	Required(replicas int) int
	String() string
}

// Majority requires more than half of the replicas.
type Majority struct{}

func (Majority) Required(replicas int) int { return replicas/2 + 1 }
func (Majority) String() string            { return "majority" }

// All requires every replica.
type All struct{}

func (All) Required(replicas int) int { return replicas }
func (All) String() string            { return "all" }

// Fixed requires a fixed number of replicas, capped at the replica count.
type Fixed int

func (f Fixed) Required(replicas int) int {
	switch {
	case int(f) < 1:
		return 1
	case int(f) > replicas:
		return replicas
	}
	return int(f)
}

func (f Fixed) String() string { return strconv.Itoa(int(f)) }

// ParseQuorum reads "majority", "all" or a positive count.
func ParseQuorum(s string) (QuorumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority":
		return Majority{}, nil
	case "all":
		return All{}, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return nil, fmt.Errorf("invalid quorum policy %q", s)
	}
	return Fixed(n), nil
}
