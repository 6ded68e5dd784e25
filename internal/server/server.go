package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kanshi/internal/camera"
	"kanshi/internal/config"
	"kanshi/internal/mosaic"
)

// モザイク画像の出力サイズ
const (
	mosaicWidth  = 1280
	mosaicHeight = 720
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	devices    *camera.DeviceSet
	composer   *mosaic.Composer
	encoder    *camera.Encoder
	hub        *Hub
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// カメラの制御ループに渡すコンテキスト。リクエストのコンテキストでは短すぎる
	baseCtx context.Context
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, devices *camera.DeviceSet, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	composer, err := mosaic.NewComposer(mosaicWidth, mosaicHeight, mosaic.WithLabels())
	if err != nil {
		return nil, fmt.Errorf("モザイクの初期化に失敗: %w", err)
	}
	encoder, err := camera.NewEncoder(camera.DefaultJPEGQuality)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config:   cfg,
		devices:  devices,
		composer: composer,
		encoder:  encoder,
		hub:      NewHub(logger),
		logger:   logger,
		engine:   engine,
		baseCtx:  context.Background(),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.HealthCheck)

	api := s.engine.Group("/api")
	api.GET("/status", s.GetStatus)
	api.GET("/mosaic", s.GetMosaic)

	cameras := api.Group("/cameras")
	cameras.GET("", s.GetCameras)
	cameras.POST("/start", s.StartAll)
	cameras.POST("/stop", s.StopAll)
	cameras.POST("/pause", s.PauseAll)
	cameras.POST("/resume", s.ResumeAll)

	cam := cameras.Group("/:name", s.requireCamera)
	cam.GET("", s.GetCamera)
	cam.POST("/start", s.StartCamera)
	cam.POST("/stop", s.StopCamera)
	cam.POST("/pause", s.PauseCamera)
	cam.POST("/resume", s.ResumeCamera)
	cam.PUT("/fps", s.SetCameraFPS)
	cam.GET("/snapshot", s.GetSnapshot)
	cam.GET("/frame64", s.GetFrame64)
	cam.GET("/stream", s.GetCameraStream)

	s.engine.GET("/ws/events", s.GetEventsWebSocket)
}

// requestLogger はリクエストをslogに記録するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	// 新しいサンプルをWebSocketクライアントに中継する
	ids := s.devices.On(camera.EventSampleAvailable, s.hub.onSample)
	defer s.devices.Off(ids)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.closeAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
