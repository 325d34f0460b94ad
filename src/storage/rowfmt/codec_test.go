package rowfmt

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/onlineddl/src/pkg/dberr"
)

func testShape() *Shape {
	return &Shape{
		Name: "t",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt64},
			{Name: "u", Type: ColumnTypeUint64, Nullable: true},
			{Name: "f", Type: ColumnTypeFloat64, Nullable: true},
			{Name: "g", Type: ColumnTypeUUID},
			{Name: "name", Type: ColumnTypeBytes, Nullable: true},
			{Name: "payload", Type: ColumnTypeBytes},
		},
		NUnique: 1,
		Unique:  true,
	}
}

func randomTuple(r *rand.Rand) Tuple {
	payload := make([]byte, r.Intn(400))
	r.Read(payload)

	t := Tuple{
		Int64(r.Int63() - r.Int63()),
		Uint64(r.Uint64()),
		Float64(r.NormFloat64()),
		UUID(uuid.New()),
		String("name"),
		Bytes(payload),
	}
	if r.Intn(3) == 0 {
		t[1] = Null()
	}
	if r.Intn(3) == 0 {
		t[2] = Null()
	}
	if r.Intn(3) == 0 {
		t[4] = Null()
	}
	return t
}

func TestRoundTrip(t *testing.T) {
	s := testShape()
	r := rand.New(rand.NewSource(42))

	for range 1000 {
		tuple := randomTuple(r)

		size, err := EncodedSize(s, tuple)
		require.NoError(t, err)

		enc, err := EncodeSort(nil, s, tuple)
		require.NoError(t, err)
		require.Equal(t, size, len(enc))
		require.NotEqual(t, EndOfRun, enc[0])

		dec, n, err := Decode(enc, s, nil)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.True(t, tuple.Equal(dec), "%v != %v", tuple, dec)
	}
}

func TestRoundTripTwoByteHeader(t *testing.T) {
	cols := make([]Column, 0, 200)
	tuple := make(Tuple, 0, 200)
	for range 200 {
		cols = append(cols, Column{Name: "c", Type: ColumnTypeBytes, Nullable: true})
		tuple = append(tuple, String("x"))
	}
	s := &Shape{Name: "wide", Columns: cols}

	enc, err := Encode(nil, s, tuple)
	require.NoError(t, err)
	assert.NotZero(t, enc[0]&twoByteFlag)

	dec, n, err := Decode(enc, s, NewArena(0))
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.True(t, tuple.Equal(dec))
}

func TestVirtualBlock(t *testing.T) {
	s := &Shape{
		Name:    "v",
		Columns: []Column{{Name: "id", Type: ColumnTypeInt64}},
		Virtual: []Column{
			{Name: "v1", Type: ColumnTypeBytes, Nullable: true},
			{Name: "v2", Type: ColumnTypeInt64, Nullable: true},
		},
	}
	tuple := Tuple{Int64(7), Null(), Int64(-3)}

	enc, err := Encode(nil, s, tuple)
	require.NoError(t, err)

	dec, n, err := Decode(enc, s, nil)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.True(t, tuple.Equal(dec))
}

func TestDecodeTruncated(t *testing.T) {
	s := testShape()
	tuple := randomTuple(rand.New(rand.NewSource(1)))
	tuple[5] = Bytes(bytes.Repeat([]byte{1}, 300))

	enc, err := Encode(nil, s, tuple)
	require.NoError(t, err)

	for i := range len(enc) {
		_, _, err := Decode(enc[:i], s, nil)
		require.ErrorIs(t, err, ErrTruncated, "prefix of %d bytes", i)
	}

	withTail := append(enc, 0xAA, 0xBB)
	_, n, err := Decode(withTail, s, nil)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
}

func TestDecodeEndOfRun(t *testing.T) {
	_, _, err := Decode([]byte{EndOfRun, 1, 2}, testShape(), nil)
	assert.ErrorIs(t, err, ErrEndOfRun)
}

func TestExternalFields(t *testing.T) {
	s := testShape()
	tuple := randomTuple(rand.New(rand.NewSource(2)))
	tuple[5] = BlobRef{Page: 17, Len: 100_000}.Field()

	_, err := EncodeSort(nil, s, tuple)
	require.ErrorIs(t, err, dberr.ErrCorruption)

	enc, err := Encode(nil, s, tuple)
	require.NoError(t, err)

	dec, _, err := Decode(enc, s, nil)
	require.NoError(t, err)
	require.True(t, dec[5].Ext)

	ref, err := DecodeBlobRef(dec[5].Data)
	require.NoError(t, err)
	assert.Equal(t, BlobRef{Page: 17, Len: 100_000}, ref)

	// past the ordering key a sort tuple may keep the reference
	s.NKey = 1
	enc, err = EncodeSort(nil, s, tuple)
	require.NoError(t, err)
	dec, _, err = Decode(enc, s, nil)
	require.NoError(t, err)
	require.True(t, dec[5].Ext)
}

func TestEncodeValidation(t *testing.T) {
	s := testShape()
	tuple := randomTuple(rand.New(rand.NewSource(3)))

	t.Run("NotNull", func(t *testing.T) {
		bad := tuple.Clone()
		bad[0] = Null()
		_, err := Encode(nil, s, bad)
		assert.ErrorIs(t, err, dberr.ErrInvalidNull)
	})

	t.Run("TooLong", func(t *testing.T) {
		bad := tuple.Clone()
		bad[5] = Bytes(make([]byte, MaxFieldLen+1))
		_, err := Encode(nil, s, bad)
		assert.ErrorIs(t, err, dberr.ErrTooBigRecord)
	})

	t.Run("FieldCount", func(t *testing.T) {
		_, err := Encode(nil, s, tuple[:3])
		assert.ErrorIs(t, err, dberr.ErrCorruption)
	})
}

func TestFixedFieldOrder(t *testing.T) {
	ints := []int64{-1 << 62, -5, -1, 0, 1, 42, 1 << 61}
	for i := 1; i < len(ints); i++ {
		assert.Negative(t, bytes.Compare(Int64(ints[i-1]).Data, Int64(ints[i]).Data))
		assert.Equal(t, ints[i], Int64(ints[i]).Int64())
	}

	floats := []float64{-1e9, -2.5, -0.0001, 0, 0.5, 3, 1e12}
	for i := 1; i < len(floats); i++ {
		assert.Negative(t, bytes.Compare(Float64(floats[i-1]).Data, Float64(floats[i]).Data))
		assert.Equal(t, floats[i], Float64(floats[i]).Float64())
	}
}

func TestCompareNullsFirst(t *testing.T) {
	rows := []Tuple{
		{Int64(3)},
		{Null()},
		{Int64(-7)},
		{Null()},
		{Int64(0)},
	}
	sort.SliceStable(rows, func(i, j int) bool { return Compare(rows[i], rows[j], 1) < 0 })

	assert.True(t, rows[0][0].Null)
	assert.True(t, rows[1][0].Null)
	assert.Equal(t, int64(-7), rows[2][0].Int64())
	assert.Equal(t, int64(0), rows[3][0].Int64())
	assert.Equal(t, int64(3), rows[4][0].Int64())

	assert.True(t, HasNull(Tuple{Int64(1), Null()}, 2))
	assert.False(t, HasNull(Tuple{Int64(1), Null()}, 1))
}

func TestArenaReset(t *testing.T) {
	a := NewArena(8)

	first := a.Copy([]byte("abc"))
	big := a.Copy(bytes.Repeat([]byte{'z'}, 32))
	assert.Equal(t, "abc", string(first))
	assert.Len(t, big, 32)
	assert.Len(t, a.chunks, 2)

	a.Reset()
	assert.Len(t, a.chunks, 1)
	again := a.Copy([]byte("de"))
	assert.Equal(t, "de", string(again))
}
