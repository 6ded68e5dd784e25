package camera

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevice_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		dev  string
		cfg  Config
	}{
		{name: "空のカメラ名", dev: "", cfg: Config{Source: "0"}},
		{name: "空の記述子", dev: "cam", cfg: Config{Source: ""}},
		{name: "負のデバイス番号", dev: "cam", cfg: Config{Source: "-1"}},
		{name: "負のFPS", dev: "cam", cfg: Config{Source: "0", FPS: -1}},
		{name: "負の再接続待機", dev: "cam", cfg: Config{Source: "0", ReconnectDelay: -time.Second}},
		{name: "幅だけ指定", dev: "cam", cfg: Config{Source: "0", Width: 640}},
		{name: "負のサイズ", dev: "cam", cfg: Config{Source: "0", Width: -1, Height: -1}},
		{name: "負のキュー容量", dev: "cam", cfg: Config{Source: "0", QueueMode: true, QueueSize: -1}},
		{name: "範囲外のJPEG品質", dev: "cam", cfg: Config{Source: "0", Encoder: EncoderOptions{Enabled: true, Quality: 101}}},
		{name: "負の代替画像サイズ", dev: "cam", cfg: Config{Source: "0", FallbackEnabled: true, Fallback: FallbackOptions{Width: -1, Height: 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDevice(tt.dev, tt.cfg, WithOpener((&fakeOpener{}).Open))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNewDevice_Defaults(t *testing.T) {
	d := newTestDevice(t, Config{QueueMode: true}, &fakeOpener{})

	assert.Equal(t, "cam", d.Name())
	assert.Equal(t, SourceKindTest, d.Source().Kind)
	assert.Equal(t, DefaultReconnectDelay, d.reconnectDelay)
	assert.Equal(t, DefaultQueueSize, cap(d.queue))
	assert.Equal(t, DefaultIdleDelay, d.delay())
	assert.Equal(t, StatusStopped, d.Status())
	assert.False(t, d.IsPaused())
	assert.Nil(t, d.Frame())
}

func TestDevice_StopIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDevice(t, Config{}, opener)

	// 開始前のStopは何もしない
	d.Stop()

	d.Start(context.Background())
	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, opener.openCount())

	d.Stop()
	d.Stop()
	require.NoError(t, d.Close())

	assert.False(t, d.IsRunning())
	assert.False(t, d.IsConnected())
	assert.Equal(t, StatusStopped, d.Status())
	assert.True(t, opener.lastHandle().isClosed())
}

func TestDevice_RestartAfterStop(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDevice(t, Config{}, opener)

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
	d.Stop()

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
	assert.True(t, d.IsRunning())
	assert.Equal(t, 2, opener.openCount())
}

func TestDevice_ContextCancelReleases(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDevice(t, Config{}, opener)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !d.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.False(t, d.IsConnected())
	assert.True(t, opener.lastHandle().isClosed())

	// キャンセル後も再開できる
	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
}

func TestDevice_FallbackWhenUnavailable(t *testing.T) {
	opener := &fakeOpener{failures: -1}
	d := newTestDevice(t, Config{
		FallbackEnabled: true,
		Fallback:        DefaultFallbackOptions(),
		ReconnectDelay:  10 * time.Millisecond,
	}, opener)

	// 開始前も代替画像を返す
	img := d.Read(0)
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, DefaultFallbackWidth, DefaultFallbackHeight), img.Bounds())

	d.Start(context.Background())
	require.Eventually(t, func() bool { return opener.openCount() >= 3 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		img := d.Read(10 * time.Millisecond)
		require.NotNil(t, img)
		assert.Equal(t, image.Rect(0, 0, DefaultFallbackWidth, DefaultFallbackHeight), img.Bounds())
	}
	assert.Equal(t, StatusConnecting, d.Status())
	assert.GreaterOrEqual(t, d.Stats().Reconnects, uint64(2))

	d.DisableFallback()
	assert.Nil(t, d.Read(0))
	assert.Nil(t, d.Fallback())
}

func TestDevice_FallbackUsesOutputSize(t *testing.T) {
	d := newTestDevice(t, Config{
		Width:           320,
		Height:          240,
		FallbackEnabled: true,
		Fallback:        DefaultFallbackOptions(),
	}, &fakeOpener{failures: -1})

	img := d.Fallback()
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())

	require.Error(t, d.EnableFallback(FallbackOptions{Width: 10}))
}

func TestDevice_ReconnectSequencing(t *testing.T) {
	const delay = 50 * time.Millisecond
	opener := &fakeOpener{failures: 2}
	d := newTestDevice(t, Config{ReconnectDelay: delay}, opener)

	start := time.Now()
	d.Start(context.Background())

	require.Eventually(t, d.IsConnected, time.Second, time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*delay+100*time.Millisecond)
	assert.Equal(t, 3, opener.openCount())
	assert.Equal(t, uint64(2), d.Stats().Reconnects)

	require.NoError(t, d.WaitReady(context.Background()))
	require.Eventually(t, func() bool { return d.Frame() != nil }, time.Second, 5*time.Millisecond)
}

func TestDevice_ReadErrorTriggersReconnect(t *testing.T) {
	opener := &fakeOpener{
		build: func() *fakeHandle { return &fakeHandle{failAfter: 3} },
	}
	d := newTestDevice(t, Config{ReconnectDelay: 10 * time.Millisecond}, opener)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return opener.openCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	st := d.Stats()
	assert.GreaterOrEqual(t, st.Frames, uint64(6))
	assert.GreaterOrEqual(t, st.Reconnects, uint64(2))
}

func TestDevice_NoFrameKeepsConnection(t *testing.T) {
	opener := &fakeOpener{
		build: func() *fakeHandle { return &fakeHandle{noFrame: true} },
	}
	d := newTestDevice(t, Config{}, opener)

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.True(t, d.IsConnected())
	assert.Equal(t, 1, opener.openCount())
	assert.Zero(t, d.Stats().Frames)
	assert.Nil(t, d.Read(0))
}

func TestDevice_PauseResume(t *testing.T) {
	d := newTestDevice(t, Config{}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Stats().Frames > 0 }, time.Second, 5*time.Millisecond)

	d.SetPause(true)
	assert.True(t, d.IsPaused())
	assert.Equal(t, StatusPaused, d.Status())

	// 実行中の1回分が終わるのを待つ
	time.Sleep(50 * time.Millisecond)
	paused := d.Stats().Frames
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused, d.Stats().Frames)

	d.SetPause(false)
	assert.False(t, d.IsPaused())
	require.Eventually(t, func() bool { return d.Stats().Frames > paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, d.Status())
}

func TestDevice_StopWhilePaused(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDevice(t, Config{}, opener)

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)
	d.Pause()

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("一時停止中のStopが戻りません")
	}
	assert.True(t, opener.lastHandle().isClosed())
}

func TestDevice_RateLimit(t *testing.T) {
	const (
		fps     = 50.0
		samples = 21
	)

	d := newTestDevice(t, Config{FPS: fps, EmitterEnabled: true}, &fakeOpener{})

	var (
		mu    sync.Mutex
		times []time.Time
	)
	done := make(chan struct{})
	d.On(EventSampleAvailable, func(any) {
		mu.Lock()
		defer mu.Unlock()
		if len(times) == samples {
			return
		}
		times = append(times, time.Now())
		if len(times) == samples {
			close(done)
		}
	})

	d.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("フレームが揃いません")
	}

	mu.Lock()
	defer mu.Unlock()
	mean := times[len(times)-1].Sub(times[0]) / time.Duration(len(times)-1)
	assert.GreaterOrEqual(t, mean, time.Duration(float64(time.Second)/fps))
}

func TestDevice_SetFPS(t *testing.T) {
	d := newTestDevice(t, Config{FPS: 10}, &fakeOpener{})

	assert.Equal(t, 100*time.Millisecond, d.delay())
	require.NoError(t, d.SetFPS(20))
	assert.Equal(t, 20.0, d.FPS())
	assert.Equal(t, 50*time.Millisecond, d.delay())

	require.NoError(t, d.SetFPS(0))
	assert.Equal(t, DefaultIdleDelay, d.delay())

	err := d.SetFPS(-5)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 0.0, d.FPS())
}

func TestDevice_QueueBackpressure(t *testing.T) {
	const capacity = 3
	d := newTestDevice(t, Config{QueueMode: true, QueueSize: capacity}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Stats().Dropped > 0 }, time.Second, 5*time.Millisecond)

	d.Pause()
	time.Sleep(50 * time.Millisecond)

	// 満杯のときは新しいフレームが捨てられ、最初のK個が残る
	var got []int
	for {
		img := d.Read(0)
		if img == nil {
			break
		}
		got = append(got, seqOf(t, img))
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	start := time.Now()
	assert.Nil(t, d.Read(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	st := d.Stats()
	assert.Equal(t, st.Frames, st.Dropped+capacity)
}

func TestDevice_QueueReadWaits(t *testing.T) {
	d := newTestDevice(t, Config{QueueMode: true, QueueSize: 4, FPS: 20}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)

	prev := 0
	for i := 0; i < 3; i++ {
		img := d.Read(time.Second)
		require.NotNil(t, img)
		seq := seqOf(t, img)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestDevice_QueueReadUnblocksOnStop(t *testing.T) {
	opener := &fakeOpener{
		build: func() *fakeHandle { return &fakeHandle{noFrame: true} },
	}
	d := newTestDevice(t, Config{QueueMode: true, QueueSize: 2}, opener)

	d.Start(context.Background())
	require.Eventually(t, d.IsConnected, time.Second, 5*time.Millisecond)

	result := make(chan image.Image, 1)
	go func() {
		result <- d.Read(10 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	d.Stop()

	select {
	case img := <-result:
		assert.Nil(t, img)
	case <-time.After(time.Second):
		t.Fatal("Readが戻りません")
	}
}

func TestDevice_LatestOnlyRead(t *testing.T) {
	d := newTestDevice(t, Config{}, &fakeOpener{})

	assert.Nil(t, d.Read(0))

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Stats().Frames >= 3 }, time.Second, 5*time.Millisecond)

	img := d.Read(0)
	require.NotNil(t, img)
	assert.GreaterOrEqual(t, seqOf(t, img), 1)
	assert.False(t, d.Stats().LastFrame.IsZero())
}

func TestDevice_Transform(t *testing.T) {
	marker := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var gotParams map[string]any

	d := newTestDevice(t, Config{
		Transform: func(img image.Image, params map[string]any) (image.Image, error) {
			gotParams = params
			return marker, nil
		},
		TransformParams: map[string]any{"threshold": 3},
	}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Frame() != nil }, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Same(t, marker, d.Frame())
	assert.Equal(t, 3, gotParams["threshold"])
}

func TestDevice_TransformFailSoft(t *testing.T) {
	tests := []struct {
		name      string
		transform Transform
	}{
		{
			name: "エラー",
			transform: func(image.Image, map[string]any) (image.Image, error) {
				return nil, errors.New("変換できません")
			},
		},
		{
			name: "panic",
			transform: func(image.Image, map[string]any) (image.Image, error) {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, Config{Transform: tt.transform}, &fakeOpener{})

			d.Start(context.Background())
			require.Eventually(t, func() bool { return d.Stats().Frames >= 2 }, time.Second, 5*time.Millisecond)

			// 変換前のフレームがそのまま公開される
			_, ok := d.Frame().(*image.Gray)
			assert.True(t, ok)
			assert.GreaterOrEqual(t, d.Stats().TransformFailures, uint64(2))
			assert.True(t, d.IsRunning())
		})
	}
}

func TestDevice_Preprocess(t *testing.T) {
	d := newTestDevice(t, Config{Width: 8, Height: 6}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Frame() != nil }, time.Second, 5*time.Millisecond)

	assert.Equal(t, image.Rect(0, 0, 8, 6), d.Frame().Bounds())
}

func TestDevice_Encoder(t *testing.T) {
	d := newTestDevice(t, Config{Encoder: EncoderOptions{Enabled: true, Quality: 90}}, &fakeOpener{})

	assert.Empty(t, d.Frame64())

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.JPEG() != nil }, time.Second, 5*time.Millisecond)
	d.Stop()

	data := d.JPEG()
	require.True(t, len(data) > 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	decoded, err := base64.StdEncoding.DecodeString(d.Frame64())
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestDevice_EncoderDisabled(t *testing.T) {
	d := newTestDevice(t, Config{}, &fakeOpener{})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Frame() != nil }, time.Second, 5*time.Millisecond)

	assert.Nil(t, d.JPEG())
	assert.Empty(t, d.Frame64())
}

func TestDevice_Events(t *testing.T) {
	d := newTestDevice(t, Config{EmitterEnabled: true}, &fakeOpener{})

	var (
		mu     sync.Mutex
		ready  []FrameEvent
		avail  []any
		events []string
	)
	d.On(EventSampleReady, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		ready = append(ready, p.(FrameEvent))
		events = append(events, EventSampleReady)
	})
	d.On(EventSampleAvailable, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		avail = append(avail, p)
		events = append(events, EventSampleAvailable)
	})

	d.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(avail) >= 2
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cam", ready[0].Name)
	assert.NotNil(t, ready[0].Frame)
	assert.Equal(t, "cam", avail[0])
	assert.Equal(t, []string{EventSampleReady, EventSampleAvailable}, events[:2])
}

func TestDevice_EmitterDisabled(t *testing.T) {
	d := newTestDevice(t, Config{}, &fakeOpener{})

	var mu sync.Mutex
	called := 0
	id := d.On(EventSampleReady, func(any) {
		mu.Lock()
		defer mu.Unlock()
		called++
	})
	require.NotEmpty(t, id)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return d.Stats().Frames >= 3 }, time.Second, 5*time.Millisecond)
	d.Stop()

	mu.Lock()
	assert.Zero(t, called)
	mu.Unlock()

	// 実行時に有効にすると以降のフレームで通知される
	d.SetEmitterEnabled(true)
	d.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called > 0
	}, time.Second, 5*time.Millisecond)
}

func TestDevice_StopWhileHandlerReadsState(t *testing.T) {
	d := newTestDevice(t, Config{EmitterEnabled: true}, &fakeOpener{})

	entered := make(chan struct{})
	var once sync.Once
	d.On(EventSampleAvailable, func(any) {
		once.Do(func() { close(entered) })
		time.Sleep(50 * time.Millisecond)
		// ハンドラから状態を読んでもStopと競合しない
		_ = d.Status()
		_ = d.Info()
	})

	d.Start(context.Background())
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("イベントが発行されません")
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	// Stopの待機中も状態の取得はブロックしない
	assert.Eventually(t, func() bool {
		_ = d.Status()
		return true
	}, time.Second, 5*time.Millisecond)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("ハンドラ実行中のStopが戻りません")
	}
	assert.Equal(t, StatusStopped, d.Status())
	assert.False(t, d.IsRunning())
}

func TestDevice_ConcurrentStop(t *testing.T) {
	d := newTestDevice(t, Config{}, &fakeOpener{})
	d.Start(context.Background())
	require.NoError(t, d.WaitReady(context.Background()))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Wait()

	assert.False(t, d.IsRunning())
	d.Start(context.Background())
	assert.True(t, d.IsRunning())
}

func TestDevice_Info(t *testing.T) {
	d := newTestDevice(t, Config{Source: "test:gray", FPS: 15, QueueMode: true}, &fakeOpener{})

	info := d.Info()
	assert.Equal(t, "cam", info.Name)
	assert.Equal(t, "test:gray", info.Source)
	assert.Equal(t, StatusStopped, info.Status)
	assert.Equal(t, 15.0, info.FPS)
	assert.True(t, info.QueueMode)
	assert.False(t, info.Running)
}
