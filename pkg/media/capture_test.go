package media

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIVF writes a VP8 IVF file with the given number of tiny frames at
// 100 frames per second.
func writeIVF(t *testing.T, frames int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 100)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	buf := header
	for i := 0; i < frames; i++ {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}

		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))

		buf = append(buf, fh...)
		buf = append(buf, frame...)
	}

	path := filepath.Join(t.TempDir(), "video.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	return path
}

func TestFileCapturerNoSources(t *testing.T) {
	c := &FileCapturer{}

	_, err := c.UserMedia(context.Background())
	assert.ErrorIs(t, err, ErrNoCapture)

	_, err = c.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrNoCapture)
}

func TestFileCapturerInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ivf")
	require.NoError(t, os.WriteFile(path, []byte("not a video"), 0o644))

	c := &FileCapturer{VideoFile: path}

	_, err := c.UserMedia(context.Background())
	assert.Error(t, err)

	c = &FileCapturer{AudioFile: filepath.Join(t.TempDir(), "missing.ogg")}

	_, err = c.UserMedia(context.Background())
	assert.Error(t, err)
}

func TestFileCapturerScreenEnds(t *testing.T) {
	c := &FileCapturer{ScreenFile: writeIVF(t, 3)}

	s, err := c.DisplayMedia(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s.Video)
	assert.Nil(t, s.Audio)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end with its file")
	}
}

func TestFileCapturerLoop(t *testing.T) {
	c := &FileCapturer{VideoFile: writeIVF(t, 2), Loop: true}

	s, err := c.UserMedia(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s.Audio)
	require.NotNil(t, s.Video)

	select {
	case <-s.Done():
		t.Fatal("looping stream ended")
	case <-time.After(100 * time.Millisecond):
	}

	s.Stop()
	<-s.Done()
}
