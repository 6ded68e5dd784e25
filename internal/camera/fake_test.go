package camera

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errFakeRead = errors.New("読み取りエラー")

// fakeHandle は連番を画素値に埋め込んだ1x1画像を返す
type fakeHandle struct {
	mu        sync.Mutex
	reads     int
	failAfter int  // この回数を超えるとエラーを返す（0なら失敗しない）
	noFrame   bool // 常にErrNoFrameを返す
	closed    bool
}

func (h *fakeHandle) Read(_ context.Context) (image.Image, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("closed")
	}
	if h.noFrame {
		return nil, ErrNoFrame
	}
	if h.failAfter > 0 && h.reads >= h.failAfter {
		return nil, errFakeRead
	}
	h.reads++
	return seqImage(h.reads), nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fakeOpener は指定回数だけ失敗してからfakeHandleを返す
type fakeOpener struct {
	mu       sync.Mutex
	failures int // -1なら常に失敗
	opens    int
	handles  []*fakeHandle
	build    func() *fakeHandle
}

func (o *fakeOpener) Open(_ context.Context, _ Source) (Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens++
	if o.failures < 0 {
		return nil, errors.New("デバイスがありません")
	}
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("デバイスがありません")
	}

	h := &fakeHandle{}
	if o.build != nil {
		h = o.build()
	}
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) lastHandle() *fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.handles) == 0 {
		return nil
	}
	return o.handles[len(o.handles)-1]
}

func seqImage(n int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.Pix[0] = uint8(n)
	return img
}

func seqOf(t *testing.T, img image.Image) int {
	t.Helper()
	g, ok := img.(*image.Gray)
	require.True(t, ok, "unexpected image type %T", img)
	return int(g.Pix[0])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDevice(t *testing.T, cfg Config, opener *fakeOpener) *Device {
	t.Helper()
	if cfg.Source == "" {
		cfg.Source = "test:bars"
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	d, err := NewDevice("cam", cfg, WithOpener(opener.Open))
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}
