package frag

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayloadSize = 64

func testNow() time.Time {
	return time.Unix(1700000000, 0)
}

func mkPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 31)
	}
	return p
}

// TestSplitShape tests fragment counts, ordering, and marker placement.
func TestSplitShape(t *testing.T) {
	f := NewFragmenter(testPayloadSize)

	tests := []struct {
		name      string
		len       int
		wantFrags int
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"exactly one fragment", testPayloadSize, 1},
		{"one byte over", testPayloadSize + 1, 2},
		{"several", testPayloadSize*4 + 10, 5},
		{"exact multiple", testPayloadSize * 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frags, err := f.Split(0, 42, mkPayload(tt.len))
			require.NoError(t, err)
			require.Len(t, frags, tt.wantFrags)

			// Descending index order, terminal first.
			assert.True(t, frags[0].Terminal)
			assert.Equal(t, uint8(tt.wantFrags-1), frags[0].Index)
			for i, fr := range frags {
				assert.Equal(t, uint8(tt.wantFrags-1-i), fr.Index)
				assert.Equal(t, i == 0, fr.Terminal)
				assert.Equal(t, uint16(42), fr.MessageSeq)
				if !fr.Terminal {
					assert.Len(t, fr.Payload, testPayloadSize)
				}
			}
		})
	}
}

func TestSplitTooLarge(t *testing.T) {
	f := NewFragmenter(testPayloadSize)

	// Largest payload that still fits.
	_, err := f.Split(0, 0, mkPayload(testPayloadSize*MaxFragments))
	require.NoError(t, err)

	_, err = f.Split(0, 0, mkPayload(testPayloadSize*MaxFragments+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestRoundTrip tests reassemble(fragment(P)) == P for in-order, reversed,
// shuffled, and duplicated fragment arrival.
func TestRoundTrip(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	rng := rand.New(rand.NewSource(7))

	lengths := []int{0, 1, testPayloadSize - 1, testPayloadSize, testPayloadSize + 1,
		testPayloadSize * 3, testPayloadSize*7 + 13}

	arrivals := map[string]func([]Fragment) []Fragment{
		"as sent": func(fs []Fragment) []Fragment { return fs },
		"reversed": func(fs []Fragment) []Fragment {
			out := make([]Fragment, len(fs))
			for i, fr := range fs {
				out[len(fs)-1-i] = fr
			}
			return out
		},
		"shuffled": func(fs []Fragment) []Fragment {
			out := append([]Fragment(nil), fs...)
			rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
			return out
		},
		"each duplicated": func(fs []Fragment) []Fragment {
			out := make([]Fragment, 0, len(fs)*2)
			for _, fr := range fs {
				out = append(out, fr, fr)
			}
			return out
		},
	}

	for name, arrange := range arrivals {
		t.Run(name, func(t *testing.T) {
			for _, n := range lengths {
				payload := mkPayload(n)
				frags, err := f.Split(3, uint16(n), payload)
				require.NoError(t, err)

				r := NewReassembler(testPayloadSize)
				var got []byte
				completions := 0
				for _, fr := range arrange(frags) {
					msg, err := r.Accept(fr, testNow())
					require.NoError(t, err)
					if msg != nil {
						got = msg
						completions++
					}
				}
				require.Equal(t, 1, completions, "payload len %d", n)
				assert.True(t, bytes.Equal(payload, got), "payload len %d", n)
				assert.Zero(t, r.Bytes(), "payload len %d", n)
				assert.Zero(t, r.Pending(), "payload len %d", n)
			}
		})
	}
}

// TestReassembleGrowth tests that a buffer sized from a low-index fragment
// grows when the terminal fragment implies a larger message.
func TestReassembleGrowth(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	payload := mkPayload(testPayloadSize*4 + 9)
	frags, err := f.Split(0, 1, payload)
	require.NoError(t, err)

	// Feed lowest index first so the initial buffer is sized for one
	// fragment, then everything else.
	r := NewReassembler(testPayloadSize)
	low := frags[len(frags)-1]
	require.Equal(t, uint8(0), low.Index)
	msg, err := r.Accept(low, testNow())
	require.NoError(t, err)
	require.Nil(t, msg)
	sizeBefore := r.Bytes()

	for _, fr := range frags[:len(frags)-1] {
		msg, err = r.Accept(fr, testNow())
		require.NoError(t, err)
	}
	require.NotNil(t, msg)
	assert.True(t, bytes.Equal(payload, msg))
	assert.Greater(t, len(msg), sizeBefore)
}

func TestReassembleWireRoundTrip(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	payload := mkPayload(testPayloadSize*2 + 5)
	frags, err := f.Split(5, 600, payload)
	require.NoError(t, err)

	// Encode all fragments into one buffer, then decode them back out.
	var buf []byte
	for _, fr := range frags {
		assert.Equal(t, fr.EncodedLen(), len(fr.Append(nil)))
		buf = fr.Append(buf)
	}

	r := NewReassembler(testPayloadSize)
	var got []byte
	for len(buf) > 0 {
		fr, n, err := Decode(buf)
		require.NoError(t, err)
		buf = buf[n:]
		msg, err := r.Accept(fr, testNow())
		require.NoError(t, err)
		if msg != nil {
			got = msg
		}
	}
	assert.True(t, bytes.Equal(payload, got))
}

// TestDecodeMalformed tests that corrupt fragment bytes error out instead
// of panicking or reading past the buffer.
func TestDecodeMalformed(t *testing.T) {
	fr := Fragment{Lane: 1, MessageSeq: 9, Index: 0, Terminal: true, Payload: []byte("abcdef")}
	good := fr.Append(nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header cut", good[:2]},
		{"payload cut", good[:len(good)-3]},
		{"payload length lies", append(append([]byte{}, good[:4]...), 0xff, 0xff, 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrTruncated)
		})
	}
}

func TestAcceptPayloadSizeMismatch(t *testing.T) {
	r := NewReassembler(testPayloadSize)

	// Non-terminal fragment must carry exactly the payload size.
	_, err := r.Accept(Fragment{Index: 1, Payload: mkPayload(testPayloadSize - 1)}, testNow())
	assert.ErrorIs(t, err, ErrPayloadSize)

	// Terminal fragment must not exceed it.
	_, err = r.Accept(Fragment{Index: 0, Terminal: true, Payload: mkPayload(testPayloadSize + 1)}, testNow())
	assert.ErrorIs(t, err, ErrPayloadSize)
}

func TestAcceptConflictingTerminal(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	frags, err := f.Split(0, 7, mkPayload(testPayloadSize*2+3))
	require.NoError(t, err)
	require.Len(t, frags, 3)

	r := NewReassembler(testPayloadSize)
	_, err = r.Accept(frags[0], testNow()) // terminal, index 2
	require.NoError(t, err)

	// A second terminal claiming a different extent contradicts it.
	bogus := Fragment{MessageSeq: 7, Index: 1, Terminal: true, Payload: mkPayload(3)}
	_, err = r.Accept(bogus, testNow())
	assert.ErrorIs(t, err, ErrFragmentConflict)
}

func TestCleanUp(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	frags, err := f.Split(0, 3, mkPayload(testPayloadSize*2))
	require.NoError(t, err)

	r := NewReassembler(testPayloadSize)
	start := testNow()
	_, err = r.Accept(frags[0], start)
	require.NoError(t, err)
	require.Equal(t, 1, r.Pending())

	// Not stale yet.
	assert.Zero(t, r.CleanUp(start.Add(-time.Second)))
	assert.Equal(t, 1, r.Pending())

	// Stale now.
	assert.Equal(t, 1, r.CleanUp(start.Add(time.Second)))
	assert.Zero(t, r.Pending())
	assert.Zero(t, r.Bytes())
}

// TestCompletedDuplicateDropped tests that fragments of an
// already-completed message never allocate a new buffer.
func TestCompletedDuplicateDropped(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	frags, err := f.Split(0, 21, mkPayload(10))
	require.NoError(t, err)
	require.Len(t, frags, 1)

	r := NewReassembler(testPayloadSize)
	msg, err := r.Accept(frags[0], testNow())
	require.NoError(t, err)
	require.NotNil(t, msg)

	msg, err = r.Accept(frags[0], testNow())
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Zero(t, r.Pending())
	assert.Zero(t, r.Bytes())
}

func TestMarkDone(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	frags, err := f.Split(4, 33, mkPayload(testPayloadSize*2))
	require.NoError(t, err)

	r := NewReassembler(testPayloadSize)
	r.MarkDone(4, 33)
	msg, err := r.Accept(frags[0], testNow())
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Zero(t, r.Pending())
}

func TestDiscard(t *testing.T) {
	f := NewFragmenter(testPayloadSize)
	frags, err := f.Split(2, 11, mkPayload(testPayloadSize*2))
	require.NoError(t, err)

	r := NewReassembler(testPayloadSize)
	_, err = r.Accept(frags[0], testNow())
	require.NoError(t, err)
	require.NotZero(t, r.Bytes())

	r.Discard(BufferKey{Lane: 2, MessageSeq: 11})
	assert.Zero(t, r.Bytes())
	assert.Zero(t, r.Pending())
}
