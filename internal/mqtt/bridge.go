package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kanshi/internal/camera"
)

// Publisher はMQTTへの配信を抽象化する
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// StatusTopic はオンライン状態のトピックを返す
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/status"
}

// StateTopic はカメラ状態のトピックを返す
func StateTopic(prefix, name string) string {
	return fmt.Sprintf("%s/cameras/%s/state", strings.TrimSuffix(prefix, "/"), name)
}

func statusPayload(status, reason string) []byte {
	payload := map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	data, _ := json.Marshal(payload)
	return data
}

// State はカメラごとに配信する状態
type State struct {
	Name       string        `json:"name"`
	Status     camera.Status `json:"status"`
	Connected  bool          `json:"connected"`
	Paused     bool          `json:"paused"`
	FPS        float64       `json:"fps"`
	Samples    uint64        `json:"samples"` // 前回の配信以降に取得したフレーム数
	Stats      camera.Stats  `json:"stats"`
	ReportedAt time.Time     `json:"reported_at"`
}

// Bridge はsample-availableを数えて定期的にカメラ状態を配信する
type Bridge struct {
	set      *camera.DeviceSet
	pub      Publisher
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	counts map[string]*atomic.Uint64
}

// NewBridge は新しいBridgeを作成する
func NewBridge(set *camera.DeviceSet, pub Publisher, prefix string, interval time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		set:      set,
		pub:      pub,
		prefix:   prefix,
		interval: interval,
		logger:   logger.With("component", "mqtt-bridge"),
		counts:   make(map[string]*atomic.Uint64),
	}
	for _, name := range set.Names() {
		b.counts[name] = new(atomic.Uint64)
	}
	return b
}

// onSample はカメラの制御ループ上で呼ばれるので、カウントするだけにする
func (b *Bridge) onSample(payload any) {
	name, ok := payload.(string)
	if !ok {
		return
	}
	b.mu.Lock()
	c, ok := b.counts[name]
	if !ok {
		c = new(atomic.Uint64)
		b.counts[name] = c
	}
	b.mu.Unlock()
	c.Add(1)
}

func (b *Bridge) takeCount(name string) uint64 {
	b.mu.Lock()
	c, ok := b.counts[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Swap(0)
}

// Run はctxがキャンセルされるまで状態を配信する
func (b *Bridge) Run(ctx context.Context) error {
	ids := b.set.On(camera.EventSampleAvailable, b.onSample)
	defer b.set.Off(ids)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.PublishState()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.PublishState()
		}
	}
}

// PublishState は全カメラの状態を1回配信する
func (b *Bridge) PublishState() {
	now := time.Now().UTC()
	for _, info := range b.set.Infos() {
		state := State{
			Name:       info.Name,
			Status:     info.Status,
			Connected:  info.Connected,
			Paused:     info.Paused,
			FPS:        info.FPS,
			Samples:    b.takeCount(info.Name),
			Stats:      info.Stats,
			ReportedAt: now,
		}

		data, err := json.Marshal(state)
		if err != nil {
			b.logger.Error("状態のJSON変換に失敗しました", "camera", info.Name, "error", err)
			continue
		}
		if err := b.pub.Publish(StateTopic(b.prefix, info.Name), data, true); err != nil {
			b.logger.Warn("状態の配信に失敗しました", "camera", info.Name, "error", err)
		}
	}
}
