package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	ffmpegReadTimeout = 2 * time.Second
	ffmpegBufferSize  = 1024 * 1024 // 1MB
	maxPendingSize    = 4 * ffmpegBufferSize
	stderrTailSize    = 4096
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// NewFFmpegOpener はffmpegでMJPEGストリームを受け取るOpenerを作成する
func NewFFmpegOpener(discovery Discovery) Opener {
	return func(ctx context.Context, src Source) (Handle, error) {
		if src.Kind == SourceKindV4L2 && discovery != nil && !discovery.IsDeviceAvailable(ctx, src.Target) {
			return nil, fmt.Errorf("デバイスが利用できません: %s", src.Target)
		}
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, fmt.Errorf("ffmpegが見つかりません: %w", err)
		}
		h, err := startFFmpeg(ctx, src)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// ffmpegArgs はソースの種類に応じたffmpeg引数を組み立てる
func ffmpegArgs(src Source) []string {
	var input []string
	switch src.Kind {
	case SourceKindV4L2:
		input = []string{"-f", "v4l2", "-i", src.Target}
	case SourceKindX11:
		input = []string{"-f", "x11grab", "-i", src.Target}
	case SourceKindURL:
		if strings.HasPrefix(src.Target, "rtsp://") {
			input = []string{"-rtsp_transport", "tcp", "-i", src.Target}
		} else {
			input = []string{"-i", src.Target}
		}
	default:
		// ファイルは実時間で再生する
		input = []string{"-re", "-i", src.Target}
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// ffmpegHandle はffmpegプロセスの標準出力からJPEGフレームを受け取る
type ffmpegHandle struct {
	src    Source
	cmd    *exec.Cmd
	cancel context.CancelFunc

	frames chan []byte // 最新フレームのみ保持
	done   chan struct{}

	mu     sync.Mutex
	err    error
	stderr tailBuffer
}

func startFFmpeg(ctx context.Context, src Source) (*ffmpegHandle, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, "ffmpeg", ffmpegArgs(src)...)

	h := &ffmpegHandle{
		src:    src,
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &h.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	go h.readLoop(stdout)
	return h, nil
}

// readLoop はJPEGマーカーでストリームを分割し、最新フレームだけを残す
func (h *ffmpegHandle) readLoop(stdout io.Reader) {
	defer close(h.done)

	buffer := make([]byte, ffmpegBufferSize)
	var pending bytes.Buffer

	for {
		n, err := stdout.Read(buffer)
		if n > 0 {
			h.consume(&pending, buffer[:n])
		}
		if err != nil {
			waitErr := h.cmd.Wait()
			h.mu.Lock()
			switch {
			case waitErr != nil:
				h.err = fmt.Errorf("ffmpegが終了しました: %w (stderr: %s)", waitErr, h.stderr.String())
			case errors.Is(err, io.EOF):
				h.err = io.EOF
			default:
				h.err = fmt.Errorf("フレーム読み取りエラー: %w", err)
			}
			h.mu.Unlock()
			return
		}
	}
}

// consume は受信データから完成したフレームを取り出す
// 終了マーカーが来ないまま未完成のデータが上限を超えたら捨てる
func (h *ffmpegHandle) consume(pending *bytes.Buffer, chunk []byte) {
	pending.Write(chunk)
	for _, frame := range splitJPEG(pending) {
		h.push(frame)
	}
	if pending.Len() > maxPendingSize {
		pending.Reset()
	}
}

// push はチャンネルが埋まっていれば古いフレームを捨てて新しいものを入れる
func (h *ffmpegHandle) push(frame []byte) {
	select {
	case h.frames <- frame:
		return
	default:
	}
	select {
	case <-h.frames:
	default:
	}
	select {
	case h.frames <- frame:
	default:
	}
}

// Read は次のフレームをデコードして返す
func (h *ffmpegHandle) Read(ctx context.Context) (image.Image, error) {
	timer := time.NewTimer(ffmpegReadTimeout)
	defer timer.Stop()

	select {
	case data := <-h.frames:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			// 壊れたフレームは読み飛ばす
			return nil, ErrNoFrame
		}
		return img, nil
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return nil, h.err
	case <-timer.C:
		return nil, ErrNoFrame
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close はffmpegプロセスを終了させて読み取りゴルーチンを待つ
func (h *ffmpegHandle) Close() error {
	h.cancel()
	<-h.done
	return nil
}

// splitJPEG はバッファから完全なJPEGフレームを取り出し、残りをバッファに戻す
func splitJPEG(buf *bytes.Buffer) [][]byte {
	var frames [][]byte
	data := buf.Bytes()

	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 開始マーカーの前半だけが末尾に残っている可能性がある
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				data = data[len(data)-1:]
			} else {
				data = nil
			}
			break
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			data = data[start:]
			break
		}

		end += start + 2 + 2
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}

	rest := make([]byte, len(data))
	copy(rest, data)
	buf.Reset()
	buf.Write(rest)
	return frames
}

// tailBuffer は末尾stderrTailSizeバイトだけを保持するWriter
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
