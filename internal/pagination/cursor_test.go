package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	hash := "0x000000000000000000000000000000000000000000000000000000000000002a"

	cursor, err := Decode(Encode(ts, hash))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.At))
	assert.Equal(t, hash, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl" /* "nopipe" */, "eHx5" /* "x|y" */, "MTIzfA" /* "123|" */} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursorBefore(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := &Cursor{At: t0, ID: "0x05"}

	assert.True(t, c.Before(t0.Add(-time.Second), "0xff"), "older")
	assert.False(t, c.Before(t0.Add(time.Second), "0x00"), "newer")
	assert.True(t, c.Before(t0, "0x04"), "same time, smaller id")
	assert.False(t, c.Before(t0, "0x05"), "the cursor item itself")

	var none *Cursor
	assert.True(t, none.Before(t0, "0x00"))
}

func TestComputePage(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	key := func(s string) (time.Time, string) { return t0, s }

	items, next := ComputePage([]string{"c", "b", "a"}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = ComputePage([]string{"d", "c", "b"}, 2, key)
	assert.Equal(t, []string{"d", "c"}, items)
	require.NotEmpty(t, next)
	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", cursor.ID)
}
