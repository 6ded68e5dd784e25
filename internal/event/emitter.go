// Package event は名前付きイベントの購読と発行を担う
//
// # 責務
// - イベント名ごとのハンドラ登録と解除
// - 登録順（イベント名ごとにFIFO）での同期的なハンドラ呼び出し
//
// # 仕様
// - ハンドラは発行したゴルーチン上で同期的に実行される
// - ハンドラ内で長時間ブロックすると発行元（カメラの制御ループ）が止まる
// - ハンドラのpanicは回収してログに残し、残りのハンドラは実行を続ける
package event

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler はイベントを受け取るコールバック
type Handler func(payload any)

type subscription struct {
	id      string
	handler Handler
}

// Emitter はイベント名ごとにハンドラを管理する
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	names    map[string]string // 購読ID -> イベント名
	enabled  bool
	logger   *slog.Logger
}

// NewEmitter は新しいEmitterを作成する
func NewEmitter(enabled bool, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[string][]subscription),
		names:    make(map[string]string),
		enabled:  enabled,
		logger:   logger,
	}
}

// On はイベントハンドラを登録し、購読IDを返す
func (e *Emitter) On(name string, handler Handler) string {
	id := uuid.New().String()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[name] = append(e.handlers[name], subscription{id: id, handler: handler})
	e.names[id] = name
	return id
}

// Off は購読IDに対応するハンドラを解除する
func (e *Emitter) Off(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name, ok := e.names[id]
	if !ok {
		return
	}
	delete(e.names, id)

	subs := e.handlers[name]
	next := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(e.handlers, name)
		return
	}
	e.handlers[name] = next
}

// Emit はイベントを発行する。無効化されている場合は何もしない
func (e *Emitter) Emit(name string, payload any) {
	e.mu.RLock()
	if !e.enabled {
		e.mu.RUnlock()
		return
	}
	// 呼び出し中の登録・解除は次回の発行から反映する
	subs := e.handlers[name]
	e.mu.RUnlock()

	for _, s := range subs {
		e.invoke(name, s, payload)
	}
}

func (e *Emitter) invoke(name string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("イベントハンドラがpanicしました", "event", name, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(payload)
}

// SetEnabled は発行の有効/無効を切り替える
func (e *Emitter) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Enabled は発行が有効かどうかを返す
func (e *Emitter) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}
