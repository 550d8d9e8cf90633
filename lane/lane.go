// Package lane defines delivery-guarantee lanes and the immutable registry
// mapping lane indices to lane kinds.
//
// A lane is configured once, at session setup, and never mutated. Each lane
// carries exactly one of four delivery-guarantee kinds, which the receive
// tracker switches over exhaustively:
//
//	UnreliableUnordered  deliver on arrival, drop exact duplicates
//	UnreliableSequenced  deliver on arrival unless superseded by a newer seq
//	ReliableUnordered    deliver on completion exactly once, any order
//	ReliableOrdered      deliver strictly in message sequence order
package lane

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind identifies the delivery guarantee of a lane.
type Kind uint8

const (
	// UnreliableUnordered delivers messages as they complete, with no
	// retransmission and no ordering; exact duplicates are dropped.
	UnreliableUnordered Kind = iota
	// UnreliableSequenced delivers messages as they complete unless a
	// newer message sequence has already been delivered on the lane.
	UnreliableSequenced
	// ReliableUnordered retransmits until acknowledged and delivers each
	// message exactly once, in whatever order messages complete.
	ReliableUnordered
	// ReliableOrdered retransmits until acknowledged and delivers messages
	// strictly in send order; a gap blocks everything behind it.
	ReliableOrdered
)

// ErrUnknownKind indicates a lane kind name that is not recognized.
var ErrUnknownKind = errors.New("unknown lane kind")

// ErrDuplicateIndex indicates two lanes configured with the same index.
var ErrDuplicateIndex = errors.New("duplicate lane index")

// ErrNoLanes indicates a registry configured with no lanes at all.
var ErrNoLanes = errors.New("no lanes configured")

// MaxIndex is the largest accepted lane index. Lane indices are small
// integers; the bound keeps a hostile configuration from inflating the
// wire varint or the registry.
const MaxIndex = 1023

// Reliable reports whether the kind retransmits until acknowledged.
func (k Kind) Reliable() bool {
	return k == ReliableUnordered || k == ReliableOrdered
}

// String returns the YAML/config name of the kind.
func (k Kind) String() string {
	switch k {
	case UnreliableUnordered:
		return "unreliable_unordered"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case ReliableUnordered:
		return "reliable_unordered"
	case ReliableOrdered:
		return "reliable_ordered"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind converts a config name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "unreliable_unordered":
		return UnreliableUnordered, nil
	case "unreliable_sequenced":
		return UnreliableSequenced, nil
	case "reliable_unordered":
		return ReliableUnordered, nil
	case "reliable_ordered":
		return ReliableOrdered, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalYAML encodes the kind as its config name.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML decodes the kind from its config name.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config describes one lane in a session configuration.
type Config struct {
	Index int  `yaml:"index"`
	Kind  Kind `yaml:"kind"`
}

// Registry is the immutable lane table of a session.
type Registry struct {
	kinds map[int]Kind
}

// NewRegistry validates the lane configurations and builds a registry.
func NewRegistry(lanes []Config) (*Registry, error) {
	if len(lanes) == 0 {
		return nil, ErrNoLanes
	}
	kinds := make(map[int]Kind, len(lanes))
	for _, lc := range lanes {
		if lc.Index < 0 || lc.Index > MaxIndex {
			return nil, fmt.Errorf("lane index %d out of range [0, %d]", lc.Index, MaxIndex)
		}
		if lc.Kind > ReliableOrdered {
			return nil, fmt.Errorf("%w: %d", ErrUnknownKind, lc.Kind)
		}
		if _, ok := kinds[lc.Index]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, lc.Index)
		}
		kinds[lc.Index] = lc.Kind
	}
	return &Registry{kinds: kinds}, nil
}

// Kind returns the kind configured for the given lane index.
func (r *Registry) Kind(index int) (Kind, bool) {
	k, ok := r.kinds[index]
	return k, ok
}

// Len returns the number of configured lanes.
func (r *Registry) Len() int {
	return len(r.kinds)
}

// Indices returns the configured lane indices in unspecified order.
func (r *Registry) Indices() []int {
	out := make([]int, 0, len(r.kinds))
	for idx := range r.kinds {
		out = append(out, idx)
	}
	return out
}
