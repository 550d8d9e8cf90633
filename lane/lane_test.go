package lane

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestKindRoundTrip(t *testing.T) {
	kinds := []Kind{UnreliableUnordered, UnreliableSequenced, ReliableUnordered, ReliableOrdered}
	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			parsed, err := ParseKind(k.String())
			require.NoError(t, err)
			assert.Equal(t, k, parsed)
		})
	}
}

func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind("bidirectional_psychic")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindReliable(t *testing.T) {
	assert.False(t, UnreliableUnordered.Reliable())
	assert.False(t, UnreliableSequenced.Reliable())
	assert.True(t, ReliableUnordered.Reliable())
	assert.True(t, ReliableOrdered.Reliable())
}

func TestKindYAML(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte("index: 2\nkind: reliable_ordered\n"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Index)
	assert.Equal(t, ReliableOrdered, cfg.Kind)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "reliable_ordered")
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		lanes   []Config
		wantErr error
	}{
		{
			name:  "valid",
			lanes: []Config{{Index: 0, Kind: ReliableOrdered}, {Index: 1, Kind: UnreliableSequenced}},
		},
		{
			name:    "empty",
			lanes:   nil,
			wantErr: ErrNoLanes,
		},
		{
			name:    "duplicate index",
			lanes:   []Config{{Index: 3, Kind: ReliableOrdered}, {Index: 3, Kind: ReliableUnordered}},
			wantErr: ErrDuplicateIndex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.lanes)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.lanes), reg.Len())
			for _, lc := range tt.lanes {
				k, ok := reg.Kind(lc.Index)
				assert.True(t, ok)
				assert.Equal(t, lc.Kind, k)
			}
		})
	}
}

func TestRegistryOutOfRange(t *testing.T) {
	_, err := NewRegistry([]Config{{Index: -1, Kind: ReliableOrdered}})
	assert.Error(t, err)

	_, err = NewRegistry([]Config{{Index: MaxIndex + 1, Kind: ReliableOrdered}})
	assert.Error(t, err)
}

func TestRegistryUnknownLookup(t *testing.T) {
	reg, err := NewRegistry([]Config{{Index: 0, Kind: ReliableOrdered}})
	require.NoError(t, err)
	_, ok := reg.Kind(99)
	assert.False(t, ok)
}
