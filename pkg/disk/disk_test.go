package disk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendAll(d *Disk, blocks ...string) {
	for _, b := range blocks {
		d.Append([]byte(b))
	}
}

func TestAppendAndRead(t *testing.T) {
	d := New()
	assert.Equal(t, uint64(1), d.Append([]byte("a")))
	assert.Equal(t, uint64(2), d.Append([]byte("b")))
	assert.Equal(t, uint64(2), d.End())
	assert.Equal(t, uint64(0), d.FlushedWatermark())

	got, err := d.ReadRange(1, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)

	b, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), b)

	// mutating the result must not touch the disk
	b[0] = 'z'
	again, _ := d.Read(2)
	assert.Equal(t, []byte("b"), again)
}

func TestReadOutOfRange(t *testing.T) {
	d := New()
	appendAll(d, "a", "b")

	tests := []struct {
		name   string
		lo, hi uint64
	}{
		{"zero", 0, 1},
		{"past end", 1, 3},
		{"fully past end", 5, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ReadRange(tt.lo, tt.hi)
			assert.True(t, errors.Is(err, ErrOutOfRange))
		})
	}

	got, err := d.ReadRange(2, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = d.Read(0)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestCrashDropsUnflushed(t *testing.T) {
	d := New()
	appendAll(d, "a", "b", "c")
	assert.Equal(t, uint64(3), d.Flush())
	appendAll(d, "d", "e")

	_, err := d.ReadFlushed(1, 4)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	lost := d.SimulateCrashRestart()
	assert.Equal(t, uint64(2), lost)
	assert.Equal(t, uint64(3), d.End())
	assert.Equal(t, uint64(3), d.FlushedWatermark())

	got, err := d.ReadFlushed(1, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// positions are reused after the crash
	assert.Equal(t, uint64(4), d.Append([]byte("f")))
	b, err := d.Read(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("f"), b)

	st := d.Stats()
	assert.Equal(t, uint64(1), st.Crashes)
	assert.Equal(t, uint64(2), st.LostBlocks)
	assert.Equal(t, uint64(6), st.Appends)
}

func TestCrashWithNothingPending(t *testing.T) {
	d := New()
	appendAll(d, "a")
	d.Flush()
	assert.Equal(t, uint64(0), d.SimulateCrashRestart())
	assert.Equal(t, uint64(1), d.End())
}

func TestTruncateIsDurable(t *testing.T) {
	d := New()
	appendAll(d, "a", "b", "c", "d")
	d.Flush()

	d.Truncate(3)
	assert.Equal(t, uint64(2), d.End())
	assert.Equal(t, uint64(2), d.FlushedWatermark())

	d.SimulateCrashRestart()
	assert.Equal(t, uint64(2), d.End())
	_, err := d.Read(3)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	d.Truncate(10)
	assert.Equal(t, uint64(2), d.End())

	d.Truncate(0)
	assert.Equal(t, uint64(0), d.End())
	assert.Equal(t, uint64(1), d.Append([]byte("x")))
}

func TestStateSurvivesCrash(t *testing.T) {
	d := New()
	assert.Nil(t, d.LoadState())

	state := []byte("term=3")
	d.SaveState(state)
	state[0] = 'X'
	d.SimulateCrashRestart()

	assert.Equal(t, []byte("term=3"), d.LoadState())
}
