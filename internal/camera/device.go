package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"kanshi/internal/event"
)

// Device は1台のカメラを所有し、専用の制御ループでフレームを取得する
//
// 制御ループだけがHandleに触れ、取得・前処理・変換・公開の一連の処理は
// 取得用ミューテックスの中で行う。読み出し側はミューテックスを取らずに
// 最新フレーム（またはキュー）を参照する。
type Device struct {
	name   string
	source Source
	opener Opener
	logger *slog.Logger

	pre       preprocessor
	transform Transform
	params    map[string]any
	encoder   *Encoder

	queueMode bool
	queue     chan image.Image

	reconnectDelay time.Duration
	fpsBits        atomic.Uint64

	emitter *event.Emitter

	// 制御シグナル
	resumed *signal // クリアされると次の取得の前で待機する
	ready   *signal // 再接続中はクリアされる

	// ライフサイクル
	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	runDone atomic.Pointer[chan struct{}]

	// 取得用ミューテックス（handleは制御ループのみが触れる）
	acqMu  sync.Mutex
	handle Handle
	seq    uint64

	connected atomic.Bool
	current   atomic.Pointer[sample]

	fallbackMu      sync.Mutex
	fallbackOpts    FallbackOptions
	fallbackEnabled atomic.Bool
	fallback        atomic.Pointer[image.RGBA]

	frames            atomic.Uint64
	dropped           atomic.Uint64
	reconnects        atomic.Uint64
	transformFailures atomic.Uint64
	lastFrame         atomic.Int64
}

// Option はDeviceの構築オプション
type Option func(*Device)

// WithOpener はHandleを開く関数を差し替える
func WithOpener(opener Opener) Option {
	return func(d *Device) {
		d.opener = opener
	}
}

// NewDevice は設定を検証してDeviceを作成する。作成直後は停止状態
func NewDevice(name string, cfg Config, opts ...Option) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: カメラ名が空です", ErrInvalidConfig)
	}

	src, err := ParseSource(cfg.Source)
	if err != nil {
		return nil, err
	}

	if err := validateFPS(cfg.FPS); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay < 0 {
		return nil, fmt.Errorf("%w: 再接続待機時間が負です: %v", ErrInvalidConfig, cfg.ReconnectDelay)
	}
	if cfg.Width < 0 || cfg.Height < 0 || (cfg.Width == 0) != (cfg.Height == 0) {
		return nil, fmt.Errorf("%w: 無効なリサイズ指定: %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%w: 無効なキュー容量: %d", ErrInvalidConfig, cfg.QueueSize)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("camera", name)

	d := &Device{
		name:   name,
		source: src,
		logger: logger,
		pre: preprocessor{
			width:  cfg.Width,
			height: cfg.Height,
			flipX:  cfg.FlipX,
			flipY:  cfg.FlipY,
		},
		transform:      cfg.Transform,
		params:         cfg.TransformParams,
		queueMode:      cfg.QueueMode,
		reconnectDelay: cfg.ReconnectDelay,
		emitter:        event.NewEmitter(cfg.EmitterEnabled, logger),
		resumed:        newSignal(true),
		ready:          newSignal(false),
	}
	if d.params == nil {
		d.params = map[string]any{}
	}
	if d.reconnectDelay == 0 {
		d.reconnectDelay = DefaultReconnectDelay
	}
	d.fpsBits.Store(math.Float64bits(cfg.FPS))

	if cfg.QueueMode {
		size := cfg.QueueSize
		if size == 0 {
			size = DefaultQueueSize
		}
		d.queue = make(chan image.Image, size)
	}

	if cfg.Encoder.Enabled {
		enc, err := NewEncoder(cfg.Encoder.Quality)
		if err != nil {
			return nil, err
		}
		d.encoder = enc
	}

	for _, opt := range opts {
		opt(d)
	}
	if d.opener == nil {
		d.opener = DefaultOpener()
	}

	if cfg.FallbackEnabled {
		if err := d.EnableFallback(cfg.Fallback); err != nil {
			return nil, err
		}
	} else {
		d.fallbackOpts = cfg.Fallback
	}

	return d, nil
}

func validateFPS(fps float64) error {
	if fps < 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return fmt.Errorf("%w: 無効なFPS値: %v", ErrInvalidConfig, fps)
	}
	return nil
}

// Name はカメラ名を返す
func (d *Device) Name() string {
	return d.name
}

// Source はデバイス記述子を返す
func (d *Device) Source() Source {
	return d.source
}

// Start は制御ループを開始する。動作中なら何もしない
// ctxがキャンセルされるとStopと同様にループを終了してデバイスを解放する
func (d *Device) Start(ctx context.Context) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.doneCh != nil {
		select {
		case <-d.doneCh:
			// ctxのキャンセルで終了済み。再開できるように作り直す
			d.cancel()
		default:
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.doneCh = done
	d.runDone.Store(&done)
	d.ready.Clear()

	d.logger.Info("カメラを開始します", "source", d.source.Raw)
	go d.run(loopCtx, done)
}

// Stop は制御ループに停止を通知し、ループが終了してデバイスが解放されるまで待つ
// 何度呼んでもよい。待機中はlifeMuを保持しない
func (d *Device) Stop() {
	d.lifeMu.Lock()
	cancel, done := d.cancel, d.doneCh
	d.lifeMu.Unlock()

	if done == nil {
		return
	}

	cancel()
	<-done

	// 待機中に別のStopが片付けていれば何もしない
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.doneCh != done {
		return
	}
	d.cancel = nil
	d.doneCh = nil
	d.logger.Info("カメラを停止しました")
}

// Close はStopを呼ぶ。io.Closerを満たす
func (d *Device) Close() error {
	d.Stop()
	return nil
}

// Pause は次の取得の前で制御ループを待機させる
func (d *Device) Pause() {
	d.resumed.Clear()
}

// Resume は一時停止を解除する
func (d *Device) Resume() {
	d.resumed.Set()
}

// SetPause はtrueで一時停止、falseで再開する
func (d *Device) SetPause(paused bool) {
	if paused {
		d.Pause()
		return
	}
	d.Resume()
}

// SetFPS は目標フレームレートを変更する。0ならスロットリングしない
func (d *Device) SetFPS(fps float64) error {
	if err := validateFPS(fps); err != nil {
		return err
	}
	d.fpsBits.Store(math.Float64bits(fps))
	return nil
}

// FPS は現在の目標フレームレートを返す
func (d *Device) FPS() float64 {
	return math.Float64frombits(d.fpsBits.Load())
}

// delay は1回の取得ごとの待機時間を返す
func (d *Device) delay() time.Duration {
	fps := d.FPS()
	if fps <= 0 {
		return DefaultIdleDelay
	}
	return time.Duration(float64(time.Second) / fps)
}

// IsConnected はデバイスが使用可能かを返す
func (d *Device) IsConnected() bool {
	return d.connected.Load()
}

// IsPaused は一時停止中かを返す
func (d *Device) IsPaused() bool {
	return !d.resumed.IsSet()
}

// IsRunning は制御ループが動作中かを返す
// イベントハンドラからも呼べるようにロックを取らない
func (d *Device) IsRunning() bool {
	p := d.runDone.Load()
	if p == nil {
		return false
	}
	select {
	case <-*p:
		return false
	default:
		return true
	}
}

// IsQueueMode はキューで受け渡すかを返す
func (d *Device) IsQueueMode() bool {
	return d.queueMode
}

// Status は現在の状態を返す
func (d *Device) Status() Status {
	switch {
	case !d.IsRunning():
		return StatusStopped
	case d.IsPaused():
		return StatusPaused
	case !d.IsConnected():
		return StatusConnecting
	default:
		return StatusRunning
	}
}

// WaitReady は再接続処理が終わるまで待つ
func (d *Device) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run は制御ループ本体
func (d *Device) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.release()

	d.open(ctx)
	d.ready.Set()

	for ctx.Err() == nil {
		if d.IsConnected() {
			d.update(ctx)
		} else if !d.reconnect(ctx) {
			return
		}

		// スロットリングは取得用ミューテックスの外で行う
		if !sleepContext(ctx, d.delay()) {
			return
		}

		select {
		case <-d.resumed.Done():
		case <-ctx.Done():
			return
		}
	}
}

// open はHandleを開き直す。失敗しても未接続として扱うだけ
func (d *Device) open(ctx context.Context) {
	d.acqMu.Lock()
	defer d.acqMu.Unlock()

	d.closeHandle()

	h, err := d.opener(ctx, d.source)
	if err != nil {
		d.logger.Debug("デバイスを開けませんでした", "error", err)
		return
	}
	if h == nil {
		return
	}

	d.handle = h
	d.connected.Store(true)
	d.logger.Info("デバイスに接続しました")
}

// reconnect はデバイスを開き直し、再接続待機時間だけ待つ
func (d *Device) reconnect(ctx context.Context) bool {
	d.ready.Clear()
	d.reconnects.Add(1)
	d.open(ctx)

	ok := sleepContext(ctx, d.reconnectDelay)
	d.ready.Set()
	return ok
}

// update は1フレームを取得して公開する
func (d *Device) update(ctx context.Context) {
	d.acqMu.Lock()
	defer d.acqMu.Unlock()

	if d.handle == nil {
		d.connected.Store(false)
		return
	}

	img, err := d.handle.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrNoFrame) || ctx.Err() != nil {
			return
		}
		d.logger.Warn("フレームの取得に失敗しました。再接続します", "error", err)
		d.closeHandle()
		return
	}
	if img == nil {
		return
	}

	img = d.pre.apply(img)
	img = d.process(img)

	d.seq++
	s := &sample{seq: d.seq, image: img}
	if d.encoder != nil {
		data, err := d.encoder.Encode(img)
		if err != nil {
			d.logger.Warn("エンコードに失敗しました", "error", err)
		} else {
			s.jpeg = data
		}
	}
	d.current.Store(s)
	d.frames.Add(1)
	d.lastFrame.Store(time.Now().UnixNano())

	if d.queueMode {
		select {
		case d.queue <- img:
		default:
			// 満杯なら新しいフレームを捨てる。未読の古いフレームは上書きしない
			d.dropped.Add(1)
		}
	}

	d.emitter.Emit(EventSampleReady, FrameEvent{Name: d.name, Frame: img})
	d.emitter.Emit(EventSampleAvailable, d.name)
}

// process はユーザー定義の変換処理を実行する
// 失敗した場合はログに残して変換前のフレームを返す
func (d *Device) process(img image.Image) (out image.Image) {
	if d.transform == nil {
		return img
	}

	defer func() {
		if r := recover(); r != nil {
			d.transformFailures.Add(1)
			d.logger.Error("変換処理がpanicしました", "panic", r)
			out = img
		}
	}()

	res, err := d.transform(img, d.params)
	if err != nil {
		d.transformFailures.Add(1)
		d.logger.Warn("変換処理に失敗しました", "error", err)
		return img
	}
	if res == nil {
		return img
	}
	return res
}

// release は制御ループの終了時にデバイスを解放する
func (d *Device) release() {
	d.acqMu.Lock()
	defer d.acqMu.Unlock()

	d.closeHandle()

	// 次の開始時に古いフレームを返さないようにする
	if d.queueMode {
	drain:
		for {
			select {
			case <-d.queue:
			default:
				break drain
			}
		}
	}
	d.ready.Set()
}

// closeHandle はHandleを閉じる（取得用ミューテックスを保持して呼ぶ）
func (d *Device) closeHandle() {
	if d.handle == nil {
		d.connected.Store(false)
		return
	}
	if err := d.handle.Close(); err != nil {
		d.logger.Warn("デバイスの解放に失敗しました", "error", err)
	}
	d.handle = nil
	if d.connected.Swap(false) {
		d.logger.Info("デバイスを切断しました")
	}
}

// Read はフレームを返す
//
// 接続中: キューモードならキューから取り出す（空ならtimeoutまで待つ）。
// 最新のみモードなら最新フレームを待たずに返す。
// 未接続: 代替画像（無効ならnil）を返す。
func (d *Device) Read(timeout time.Duration) image.Image {
	if !d.IsConnected() {
		return d.Fallback()
	}

	if !d.queueMode {
		return d.Frame()
	}

	if timeout <= 0 {
		select {
		case img := <-d.queue:
			return img
		default:
			return nil
		}
	}

	var stopped <-chan struct{}
	if p := d.runDone.Load(); p != nil {
		stopped = *p
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case img := <-d.queue:
		return img
	case <-timer.C:
		return nil
	case <-stopped:
		return d.Fallback()
	}
}

// Frame は最新フレームを返す。まだなければnil
func (d *Device) Frame() image.Image {
	if s := d.current.Load(); s != nil {
		return s.image
	}
	return nil
}

// JPEG は最新フレームのJPEG表現を返す。エンコーダーが無効ならnil
func (d *Device) JPEG() []byte {
	if s := d.current.Load(); s != nil {
		return s.jpeg
	}
	return nil
}

// Frame64 は最新フレームのbase64表現を返す。初回呼び出し時に計算する
func (d *Device) Frame64() string {
	return d.current.Load().base64()
}

// EnableFallback は代替画像を有効にして作成する
// サイズ未指定なら出力サイズ、それもなければデフォルトサイズを使う
func (d *Device) EnableFallback(opts FallbackOptions) error {
	if err := validateFallback(opts); err != nil {
		return err
	}
	if opts.Width == 0 && d.pre.width > 0 {
		opts.Width, opts.Height = d.pre.width, d.pre.height
	}

	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()

	d.fallbackOpts = opts
	d.fallback.Store(renderFallback(opts))
	d.fallbackEnabled.Store(true)
	return nil
}

// DisableFallback は代替画像を無効にする
func (d *Device) DisableFallback() {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()

	d.fallbackEnabled.Store(false)
	d.fallback.Store(nil)
}

// Fallback は代替画像を返す。無効ならnil
// 返した画像は共有されるので変更してはいけない
func (d *Device) Fallback() image.Image {
	if !d.fallbackEnabled.Load() {
		return nil
	}
	if img := d.fallback.Load(); img != nil {
		return img
	}

	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()

	if !d.fallbackEnabled.Load() {
		return nil
	}
	if img := d.fallback.Load(); img != nil {
		return img
	}
	img := renderFallback(d.fallbackOpts)
	d.fallback.Store(img)
	return img
}

// On はイベントハンドラを登録する
// ハンドラは制御ループ上で同期的に呼ばれるため、ブロックしたりStopを呼んではいけない
func (d *Device) On(name string, handler event.Handler) string {
	return d.emitter.On(name, handler)
}

// Off はイベントハンドラを解除する
func (d *Device) Off(id string) {
	d.emitter.Off(id)
}

// SetEmitterEnabled はイベント発行の有効/無効を切り替える
func (d *Device) SetEmitterEnabled(enabled bool) {
	d.emitter.SetEnabled(enabled)
}

// Stats は実行時統計を返す
func (d *Device) Stats() Stats {
	st := Stats{
		Frames:            d.frames.Load(),
		Dropped:           d.dropped.Load(),
		Reconnects:        d.reconnects.Load(),
		TransformFailures: d.transformFailures.Load(),
	}
	if ns := d.lastFrame.Load(); ns != 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}

// Info はカメラの状態をまとめたもの
type Info struct {
	Name      string  `json:"name"`
	Source    string  `json:"source"`
	Status    Status  `json:"status"`
	Connected bool    `json:"connected"`
	Paused    bool    `json:"paused"`
	Running   bool    `json:"running"`
	FPS       float64 `json:"fps"`
	QueueMode bool    `json:"queue_mode"`
	Stats     Stats   `json:"stats"`
}

// Info は現在の状態を返す
func (d *Device) Info() Info {
	return Info{
		Name:      d.name,
		Source:    d.source.Raw,
		Status:    d.Status(),
		Connected: d.IsConnected(),
		Paused:    d.IsPaused(),
		Running:   d.IsRunning(),
		FPS:       d.FPS(),
		QueueMode: d.queueMode,
		Stats:     d.Stats(),
	}
}

// sleepContext はdだけ待つ。ctxがキャンセルされたらfalseを返す
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
