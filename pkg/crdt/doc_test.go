package crdt

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecollab/pkg/codec"
)

func makeUpdates(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("update-%03d", i))
	}
	return out
}

func TestApply_Idempotent(t *testing.T) {
	d := New()

	added, err := d.Apply([]byte("insert 'hello' at 0"))
	require.NoError(t, err)
	assert.True(t, added)

	before, err := d.Encode()
	require.NoError(t, err)

	added, err = d.Apply([]byte("insert 'hello' at 0"))
	require.NoError(t, err)
	assert.False(t, added)

	after, err := d.Encode()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, int64(len("insert 'hello' at 0")), d.Size())
}

func TestApply_RejectsEmpty(t *testing.T) {
	_, err := New().Apply(nil)
	assert.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestApply_CopiesInput(t *testing.T) {
	d := New()
	buf := []byte("abc")
	_, err := d.Apply(buf)
	require.NoError(t, err)
	buf[0] = 'x'

	assert.True(t, d.Has([]byte("abc")))
	assert.Equal(t, []byte("abc"), d.Updates()[0])
}

func TestConvergence_AnyOrder(t *testing.T) {
	updates := makeUpdates(50)
	reference := New()
	for _, u := range updates {
		_, err := reference.Apply(u)
		require.NoError(t, err)
	}
	want, err := reference.Encode()
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([][]byte(nil), updates...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		d := New()
		for _, u := range shuffled {
			_, err := d.Apply(u)
			require.NoError(t, err)
			// duplicates interleaved
			_, err = d.Apply(shuffled[rng.IntN(len(shuffled))])
			require.NoError(t, err)
		}
		for _, u := range updates {
			_, err := d.Apply(u)
			require.NoError(t, err)
		}

		got, err := d.Encode()
		require.NoError(t, err)
		assert.Equal(t, want, got, "trial %d", trial)
		assert.Equal(t, reference.StateHash(), d.StateHash())
	}
}

func TestMerge_ReturnsMissingUpdates(t *testing.T) {
	updates := makeUpdates(6)

	a := New()
	b := New()
	for _, u := range updates[:4] {
		_, _ = a.Apply(u)
	}
	for _, u := range updates[2:] {
		_, _ = b.Apply(u)
	}

	added := a.Merge(b)
	assert.ElementsMatch(t, [][]byte{updates[4], updates[5]}, added)
	assert.Equal(t, 6, a.Len())

	assert.Empty(t, a.Merge(b), "merging twice adds nothing")

	b.Merge(a)
	assert.Equal(t, a.StateHash(), b.StateHash())
}

func TestEncodeDecode_Exact(t *testing.T) {
	d := New()
	for _, u := range makeUpdates(10) {
		_, _ = d.Apply(u)
	}

	data, err := d.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, d.Updates(), decoded.Updates())
	assert.Equal(t, d.Size(), decoded.Size())

	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecode_Empty(t *testing.T) {
	d, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)

	data, err := codec.Marshal(snapshot{Version: 99})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	data, err = codec.Marshal(snapshot{Version: snapshotVersion, Updates: [][]byte{{}}})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestDecode_DeduplicatesEntries(t *testing.T) {
	data, err := codec.Marshal(snapshot{Version: snapshotVersion, Updates: [][]byte{[]byte("a"), []byte("a")}})
	require.NoError(t, err)

	d, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
}

func TestClone_Independent(t *testing.T) {
	d := New()
	_, _ = d.Apply([]byte("one"))
	c := d.Clone()
	_, _ = c.Apply([]byte("two"))

	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 2, c.Len())
	assert.NotEqual(t, d.StateHash(), c.StateHash())
}

func TestUpdateID_String(t *testing.T) {
	id := HashUpdate([]byte("x"))
	assert.Len(t, id.String(), 64)
}
