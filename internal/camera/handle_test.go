package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		raw    string
		kind   SourceKind
		target string
	}{
		{raw: "0", kind: SourceKindV4L2, target: "/dev/video0"},
		{raw: " 2 ", kind: SourceKindV4L2, target: "/dev/video2"},
		{raw: "/dev/video4", kind: SourceKindV4L2, target: "/dev/video4"},
		{raw: "x11:", kind: SourceKindX11, target: ":0.0"},
		{raw: "x11::1.0+100,200", kind: SourceKindX11, target: ":1.0+100,200"},
		{raw: "rtsp://cam.local:554/stream", kind: SourceKindURL, target: "rtsp://cam.local:554/stream"},
		{raw: "http://10.0.0.2/mjpg", kind: SourceKindURL, target: "http://10.0.0.2/mjpg"},
		{raw: "test:gray:320x240", kind: SourceKindTest, target: "gray:320x240"},
		{raw: "/srv/videos/clip.mp4", kind: SourceKindFile, target: "/srv/videos/clip.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			src, err := ParseSource(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, src.Kind)
			assert.Equal(t, tt.target, src.Target)
			assert.Equal(t, tt.raw, src.String())
		})
	}
}

func TestParseSource_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "-1"} {
		_, err := ParseSource(raw)
		assert.ErrorIs(t, err, ErrInvalidConfig, raw)
	}
}

func TestSourceFactory(t *testing.T) {
	f := NewSourceFactory(NewStaticDiscovery())

	assert.ElementsMatch(t,
		[]SourceKind{SourceKindV4L2, SourceKindX11, SourceKindURL, SourceKindFile, SourceKindTest},
		f.SupportedKinds())

	src, _ := ParseSource("test:bars:32x16")
	h, err := f.Open(context.Background(), src)
	require.NoError(t, err)
	defer h.Close()

	img, err := h.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	// 登録のない種類
	_, err = f.Open(context.Background(), Source{Kind: "bogus"})
	assert.Error(t, err)

	// 差し替え
	called := false
	f.Register(SourceKindTest, func(context.Context, Source) (Handle, error) {
		called = true
		return nil, errors.New("replaced")
	})
	_, err = f.Open(context.Background(), src)
	assert.Error(t, err)
	assert.True(t, called)
}

func TestFFmpegOpener_UnavailableDevice(t *testing.T) {
	opener := NewFFmpegOpener(NewStaticDiscovery())
	src, _ := ParseSource("/dev/video9")

	_, err := opener(context.Background(), src)
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	tests := []struct {
		raw   string
		input []string
	}{
		{raw: "0", input: []string{"-f", "v4l2", "-i", "/dev/video0"}},
		{raw: "x11::0.0", input: []string{"-f", "x11grab", "-i", ":0.0"}},
		{raw: "rtsp://cam/stream", input: []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream"}},
		{raw: "http://cam/mjpg", input: []string{"-i", "http://cam/mjpg"}},
		{raw: "clip.mp4", input: []string{"-re", "-i", "clip.mp4"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			src, err := ParseSource(tt.raw)
			require.NoError(t, err)

			args := ffmpegArgs(src)
			want := append([]string{"-hide_banner", "-loglevel", "error"}, tt.input...)
			want = append(want, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
			assert.Equal(t, want, args)
		})
	}
}

func encodeTestJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestSplitJPEG(t *testing.T) {
	a := encodeTestJPEG(t, color.White)
	b := encodeTestJPEG(t, color.Black)

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01})
	buf.Write(a)
	buf.Write(b[:10])

	frames := splitJPEG(&buf)
	require.Len(t, frames, 1)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b[:10], buf.Bytes())

	buf.Write(b[10:])
	frames = splitJPEG(&buf)
	require.Len(t, frames, 1)
	assert.Equal(t, b, frames[0])
	assert.Zero(t, buf.Len())

	_, err := jpeg.Decode(bytes.NewReader(frames[0]))
	assert.NoError(t, err)
}

func TestSplitJPEG_PartialMarker(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x10, 0x20, 0xFF})

	assert.Empty(t, splitJPEG(&buf))
	assert.Equal(t, []byte{0xFF}, buf.Bytes())
}

func TestFFmpegHandle_Push(t *testing.T) {
	h := &ffmpegHandle{frames: make(chan []byte, 1), done: make(chan struct{})}

	h.push([]byte("old"))
	h.push([]byte("new"))

	assert.Equal(t, []byte("new"), <-h.frames)
}

func TestFFmpegHandle_ConsumeDropsUnterminatedFrame(t *testing.T) {
	h := &ffmpegHandle{frames: make(chan []byte, 1), done: make(chan struct{})}
	var pending bytes.Buffer

	// 終了マーカーのないデータを上限を超えるまで送る
	chunk := bytes.Repeat([]byte{0x00}, ffmpegBufferSize)
	h.consume(&pending, append([]byte{0xFF, 0xD8}, chunk...))
	for pending.Len() > 0 && pending.Len() <= maxPendingSize {
		h.consume(&pending, chunk)
	}
	assert.Equal(t, 0, pending.Len())

	// 破棄した後も次のフレームは取り出せる
	h.consume(&pending, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
	select {
	case frame := <-h.frames:
		assert.Equal(t, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, frame)
	default:
		t.Fatal("frame not pushed")
	}
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	_, _ = tb.Write(bytes.Repeat([]byte("a"), stderrTailSize))
	_, _ = tb.Write([]byte("tail  \n"))

	s := tb.String()
	assert.Len(t, s, stderrTailSize-3)
	assert.True(t, len(s) > 4 && s[len(s)-4:] == "tail")
}
