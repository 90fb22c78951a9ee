package mp4io

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

func TestTFRAWidths(t *testing.T) {
	narrow := TFRAEntry{Time: 1000, MoofOffset: 2000, TrafNumber: 1, TrunNumber: 1, SampleNumber: 1}
	wide := TFRAEntry{Time: 1 << 40, MoofOffset: 1 << 33, TrafNumber: 1, TrunNumber: 1, SampleNumber: 1, TimeWide: true, OffsetWide: true}

	_, err := NewTrackFragRandomAccess(1, []TFRAEntry{narrow, wide})
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	mixed := narrow
	mixed.TimeWide = true
	_, err = NewTrackFragRandomAccess(1, []TFRAEntry{mixed})
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	overflow := narrow
	overflow.MoofOffset = math.MaxUint32 + 1
	_, err = NewTrackFragRandomAccess(1, []TFRAEntry{overflow})
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	tfra, err := NewTrackFragRandomAccess(2, []TFRAEntry{wide, wide})
	require.NoError(t, err)
	b, err := Marshal(tfra)
	require.NoError(t, err)
	require.Len(t, b, tfra.Len())
	assert.Equal(t, byte(1), b[8], "version 1")
	assert.EqualValues(t, 2, pio.U32BE(b[12:]))
	assert.EqualValues(t, 0x3f, pio.U32BE(b[16:]))
	assert.EqualValues(t, 2, pio.U32BE(b[20:]))
	assert.EqualValues(t, uint64(1)<<40, pio.U64BE(b[24:]))

	tfra, err = NewTrackFragRandomAccess(2, []TFRAEntry{narrow})
	require.NoError(t, err)
	b, err = Marshal(tfra)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[8])
	assert.Len(t, b, 8+4+12+8+12)
}

type hugeBox struct{}

var hugeLen = uint64(math.MaxUint32) + 9

func (hugeBox) Tag() Tag             { return MDAT }
func (hugeBox) Len() int             { return int(hugeLen) }
func (hugeBox) Marshal(b []byte) int { panic("must not be reached") }

func TestMarshalUnsupported(t *testing.T) {
	_, err := Marshal(RawBox{Tag_: UUID, Data: make([]byte, 16)})
	assert.True(t, errors.Is(err, av.ErrUnsupported))

	// nested uuid is found as well
	_, err = Marshal(VideoSampleDesc{Format: AVC1, Conf: RawBox{Tag_: UUID}})
	assert.True(t, errors.Is(err, av.ErrUnsupported))

	if math.MaxInt > math.MaxUint32 {
		_, err = Marshal(hugeBox{})
		assert.True(t, errors.Is(err, av.ErrUnsupported))
	}
}

func TestSampleTableRuns(t *testing.T) {
	stts := &TimeToSample{}
	for _, d := range []uint32{3000, 3000, 3000, 1500, 3000} {
		stts.Append(d)
	}
	assert.Equal(t, []TimeToSampleEntry{{3, 3000}, {1, 1500}, {1, 3000}}, stts.Entries)

	stsc := &SampleToChunk{}
	stsc.Append(1, 30, 1)
	stsc.Append(2, 30, 1)
	stsc.Append(3, 12, 1)
	stsc.Append(4, 30, 2)
	assert.Equal(t, []SampleToChunkEntry{{1, 30, 1}, {3, 12, 1}, {4, 30, 2}}, stsc.Entries)

	ctts := &CompositionOffset{}
	ctts.Append(0)
	ctts.Append(-3000)
	b, err := Marshal(ctts)
	require.NoError(t, err)
	assert.Equal(t, byte(1), b[8], "negative offsets need version 1")
}

func TestMovieFragRandomAccessSize(t *testing.T) {
	tfra, err := NewTrackFragRandomAccess(1, []TFRAEntry{{Time: 1, MoofOffset: 2}})
	require.NoError(t, err)
	mfra := MovieFragRandomAccess{Tracks: []*TrackFragRandomAccess{tfra}, Offset: &MovieFragRandomAccessOffset{}}
	b, err := Marshal(mfra)
	require.NoError(t, err)
	assert.EqualValues(t, len(b), pio.U32BE(b[len(b)-4:]))
	assert.Equal(t, "mfro", string(b[len(b)-12:len(b)-8]))
}

func TestTrackFragRunOffsets(t *testing.T) {
	trun := TrackFragRun{
		Flags:      TRUN_DATA_OFFSET | TRUN_SAMPLE_SIZE | TRUN_SAMPLE_CTS,
		DataOffset: 120,
		Entries:    []TrackFragRunEntry{{Size: 10, Cts: 0}, {Size: 20, Cts: -10}},
	}
	b, err := Marshal(trun)
	require.NoError(t, err)
	require.Len(t, b, 8+4+4+4+2*8)
	assert.Equal(t, byte(1), b[8])
	assert.EqualValues(t, 2, pio.U32BE(b[12:]))
	assert.EqualValues(t, 120, pio.I32BE(b[16:]))
	assert.EqualValues(t, -10, pio.I32BE(b[32:]))
}
