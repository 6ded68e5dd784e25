// Package mqtt はカメラの状態をMQTTブローカーへ配信する
//
// # 仕様
// - <prefix>/status: オンライン状態（retained、異常切断時はLWTでoffline）
// - <prefix>/cameras/<name>/state: カメラごとの状態JSON（retained）
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"kanshi/internal/config"
)

// テストで短くできるように変数にしている
var connectTimeout = 10 * time.Second

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // ミリ秒
	keepAlive         = 60 * time.Second
)

var (
	// ErrNotConnected はブローカーに接続していないことを表す
	ErrNotConnected = errors.New("MQTTブローカーに接続していません")

	// ErrConnectionFailed はブローカーへの接続に失敗したことを表す
	ErrConnectionFailed = errors.New("MQTTブローカーへの接続に失敗")

	// ErrPublishFailed は配信に失敗したことを表す
	ErrPublishFailed = errors.New("MQTTの配信に失敗")
)

// Client はpaho.mqtt.golangのクライアントを包む
type Client struct {
	client    pahomqtt.Client
	cfg       config.MQTTConfig
	connected atomic.Bool
	logger    *slog.Logger
}

// Connect はブローカーに接続する。以降の再接続はpahoに任せる
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cfg: cfg, logger: logger.With("component", "mqtt")}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), string(statusPayload("offline", "unexpected_disconnect")), cfg.QoS, true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.connected.Store(true)
		c.logger.Info("MQTTブローカーに接続しました", "broker", cfg.Broker)
		c.client.Publish(StatusTopic(cfg.TopicPrefix), cfg.QoS, true, statusPayload("online", ""))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn("MQTTブローカーとの接続が切れました", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// 接続リトライを止める。放置すると後からonlineを配信してしまう
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %v以内に接続できませんでした", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.connected.Store(true)

	return c, nil
}

// Publish はトピックにペイロードを配信する
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: タイムアウト", ErrPublishFailed)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// IsConnected はブローカーに接続中かを返す
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close はofflineを配信してから切断する
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.connected.Load() {
		token := c.client.Publish(StatusTopic(c.cfg.TopicPrefix), c.cfg.QoS, true, statusPayload("offline", "shutdown"))
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}
