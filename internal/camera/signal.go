package camera

import "sync"

// signal はセット/クリア/待機ができる制御シグナル
// セット中はDone()のチャンネルが閉じている
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal(set bool) *signal {
	s := &signal{ch: make(chan struct{})}
	if set {
		close(s.ch)
	}
	return s
}

// Set はシグナルをセットし、待機中のゴルーチンを解放する
func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

// Clear はシグナルをクリアする。以降の待機はブロックする
func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

// IsSet はシグナルがセットされているかを返す
func (s *signal) IsSet() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Done はセット時に閉じるチャンネルを返す
func (s *signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
