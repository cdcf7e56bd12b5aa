package io

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
)

func TestMailboxKeepsLatestFrame(t *testing.T) {
	var box frameMailbox
	dev := gfx.NewDevice(nil)
	dev.Enter()
	defer dev.Leave()

	tex, err := dev.CreateTexture(2, 2, pixbuf.BGRA8)
	require.NoError(t, err)
	assert.ErrorIs(t, box.render(tex), ErrNoFrame)

	first := make([]byte, 16)
	second := make([]byte, 16)
	for i := range second {
		first[i] = 1
		second[i] = 2
	}
	require.NoError(t, box.put(first, 2, 2, 8))
	require.NoError(t, box.put(second, 2, 2, 8))

	w, h := box.dims()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)

	require.NoError(t, box.render(tex))
	assert.Equal(t, second, tex.Pix())

	st := box.stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Replaced)
	assert.Equal(t, uint64(1), st.Consumed)
}

func TestMailboxHonoursStride(t *testing.T) {
	var box frameMailbox
	// 1x2 frame with 4 bytes of row padding.
	pix := []byte{1, 2, 3, 4, 9, 9, 9, 9, 5, 6, 7, 8}
	require.NoError(t, box.put(pix, 1, 2, 8))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, box.frame.Pix())

	assert.Error(t, box.put(pix[:6], 1, 2, 8))
}

func TestMailboxRejectsMismatchedTarget(t *testing.T) {
	var box frameMailbox
	require.NoError(t, box.put(make([]byte, 4*6), 3, 2, 12))

	dev := gfx.NewDevice(nil)
	require.NoError(t, dev.Do(func() error {
		tex, err := dev.CreateTexture(2, 2, pixbuf.BGRA8)
		require.NoError(t, err)
		assert.ErrorIs(t, box.render(tex), ErrNoFrame)
		return nil
	}))

	box.close()
	w, h := box.dims()
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestGstLaunchString(t *testing.T) {
	got := GstLaunchString(GstOptions{Launch: "videotestsrc is-live=true", Width: 640, Height: 360})
	assert.Equal(t,
		"videotestsrc is-live=true ! videoconvert ! videoscale ! video/x-raw,format=BGRA,width=640,height=360 ! appsink name=filtersink sync=false max-buffers=1 drop=true",
		got)

	_, err := NewGstSource(GstOptions{Launch: "videotestsrc"}, nil)
	assert.Error(t, err, "size is required")
}

func TestPNGRoundTripKeepsAlpha(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	frame, err := pixbuf.Checkerboard(7, 5, 2)
	require.NoError(t, err)
	frame.Pix()[3] = 0
	frame.Pix()[7] = 128

	sink, err := NewPNGSink(filepath.Join(dir, "out_%03d.png"), 1, logger)
	require.NoError(t, err)
	require.NoError(t, sink.Write(frame))
	assert.Equal(t, 1, sink.Written())

	src, err := NewImageSource(sink.Path(0), logger)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 7, src.Width())
	assert.Equal(t, 5, src.Height())
	assert.Equal(t, frame.Pix(), src.Frame().Pix())
}

func TestPNGSinkWritesEveryNth(t *testing.T) {
	sink, err := NewPNGSink(filepath.Join(t.TempDir(), "f%d.png"), 3, nil)
	require.NoError(t, err)
	frame, err := pixbuf.Checkerboard(2, 2, 1)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, sink.Write(frame))
	}
	assert.Equal(t, 3, sink.Written())
	assert.FileExists(t, sink.Path(2))
}

func TestRejectsUnsupportedFormats(t *testing.T) {
	_, err := NewPNGSink(filepath.Join(t.TempDir(), "out.gif"), 1, nil)
	assert.Error(t, err)

	_, err = NewImageSource("clip.webm", nil)
	assert.Error(t, err)
	assert.True(t, isSupportedImageFormat("Photo.JPG"))
}

func TestOpenPicksImageSource(t *testing.T) {
	frame, err := pixbuf.Checkerboard(4, 3, 1)
	require.NoError(t, err)
	sink, err := NewPNGSink(filepath.Join(t.TempDir(), "still_%d.png"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Write(frame))

	src, err := Open(OpenOptions{Input: sink.Path(0)}, nil)
	require.NoError(t, err)
	defer src.Close()
	assert.IsType(t, &ImageSource{}, src)
	_, runs := src.(Runner)
	assert.False(t, runs, "stills have no capture loop")

	_, err = Open(OpenOptions{}, nil)
	assert.Error(t, err)
}
