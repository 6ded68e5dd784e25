package server

import (
	"errors"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kanshi/internal/camera"
	"kanshi/internal/mosaic"
)

// errFrameNotAvailable はまだ返せるフレームがないことを表す
var errFrameNotAvailable = errors.New("フレームがありません")

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string     `json:"status"`
	Server    ServerInfo `json:"server"`
	Cameras   int        `json:"cameras"`
	Running   int        `json:"running"`
	Clients   int        `json:"clients"`
	Timestamp time.Time  `json:"timestamp"`
}

// CamerasResponse はカメラ一覧のレスポンス
type CamerasResponse struct {
	Cameras []camera.Info `json:"cameras"`
}

// FPSRequest はフレームレート変更のリクエスト
type FPSRequest struct {
	FPS *float64 `json:"fps" binding:"required"`
}

// Frame64Response はbase64フレームのレスポンス
type Frame64Response struct {
	Name      string    `json:"name"`
	Frame     string    `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (s *Server) GetStatus(c *gin.Context) {
	running := 0
	for _, info := range s.devices.Infos() {
		if info.Running {
			running++
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Cameras:   s.devices.Len(),
		Running:   running,
		Clients:   s.hub.ClientCount(),
		Timestamp: time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (s *Server) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, CamerasResponse{Cameras: s.devices.Infos()})
}

// requireCamera は存在しないカメラ名を404にする
// DeviceSetは不明な名前を黙って無視するので、ここで先に確認する
func (s *Server) requireCamera(c *gin.Context) {
	d, ok := s.devices.Get(c.Param("name"))
	if !ok {
		writeError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
		return
	}
	c.Set("device", d)
	c.Next()
}

func deviceFrom(c *gin.Context) *camera.Device {
	return c.MustGet("device").(*camera.Device)
}

// GetCamera はカメラ1台の状態を返す
func (s *Server) GetCamera(c *gin.Context) {
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

// StartCamera はカメラの制御ループを開始する
func (s *Server) StartCamera(c *gin.Context) {
	name := c.Param("name")
	s.devices.StartOnly(s.baseCtx, name)
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

// StopCamera はカメラを停止する。ループの終了を待ってから返す
func (s *Server) StopCamera(c *gin.Context) {
	s.devices.StopOnly(c.Param("name"))
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

func (s *Server) PauseCamera(c *gin.Context) {
	s.devices.PauseOnly(c.Param("name"))
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

func (s *Server) ResumeCamera(c *gin.Context) {
	s.devices.ResumeOnly(c.Param("name"))
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

// SetCameraFPS はフレームレートを変更する。0なら待機間隔は既定値になる
func (s *Server) SetCameraFPS(c *gin.Context) {
	var req FPSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "fpsを指定してください")
		return
	}
	if err := s.devices.SetFPSOnly(*req.FPS, c.Param("name")); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_fps", err.Error())
		return
	}
	c.JSON(http.StatusOK, deviceFrom(c).Info())
}

// StartAll は全カメラを開始する
func (s *Server) StartAll(c *gin.Context) {
	s.devices.StartAll(s.baseCtx)
	s.GetCameras(c)
}

// StopAll は全カメラを並行して停止する
func (s *Server) StopAll(c *gin.Context) {
	s.devices.StopAll()
	s.GetCameras(c)
}

func (s *Server) PauseAll(c *gin.Context) {
	s.devices.PauseAll()
	s.GetCameras(c)
}

func (s *Server) ResumeAll(c *gin.Context) {
	s.devices.ResumeAll()
	s.GetCameras(c)
}

// currentImage は配信に使う画像を返す
// 未接続なら代替画像、それもなければ最後に取得したフレームを使う
func currentImage(d *camera.Device) image.Image {
	if !d.IsConnected() {
		if img := d.Fallback(); img != nil {
			return img
		}
	}
	return d.Frame()
}

// snapshot は最新フレームをJPEGで返す。エンコード済みのものがあれば再利用する
func (s *Server) snapshot(d *camera.Device) ([]byte, error) {
	if d.IsConnected() {
		if data := d.JPEG(); data != nil {
			return data, nil
		}
	}
	img := currentImage(d)
	if img == nil {
		return nil, errFrameNotAvailable
	}
	return s.encoder.Encode(img)
}

// GetSnapshot は最新フレームをJPEG画像として返す
func (s *Server) GetSnapshot(c *gin.Context) {
	data, err := s.snapshot(deviceFrom(c))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "frame_not_available", err.Error())
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetFrame64 は最新フレームをbase64文字列で返す
func (s *Server) GetFrame64(c *gin.Context) {
	d := deviceFrom(c)
	frame := d.Frame64()
	if frame == "" {
		writeError(c, http.StatusServiceUnavailable, "frame_not_available", "エンコード済みのフレームがありません")
		return
	}
	c.JSON(http.StatusOK, Frame64Response{
		Name:      d.Name(),
		Frame:     frame,
		Timestamp: time.Now(),
	})
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (s *Server) GetCameraStream(c *gin.Context) {
	d := deviceFrom(c)
	if !d.IsRunning() {
		writeError(c, http.StatusServiceUnavailable, "camera_not_active", "カメラがアクティブではありません")
		return
	}
	s.streamMJPEG(c, d)
}

// streamMJPEG はMJPEGストリームを配信する
func (s *Server) streamMJPEG(c *gin.Context, d *camera.Device) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.config.Server.StreamFPS))
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var last []byte
	for {
		data, err := s.snapshot(d)
		if err == nil && !sameBytes(data, last) {
			if err := writeMJPEGPart(writer, data); err != nil {
				return
			}
			// バッファをフラッシュ
			writer.Flush()
			last = data
		}

		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}
	}
}

func writeMJPEGPart(w gin.ResponseWriter, frame []byte) error {
	header := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n"
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// sameBytes は同じサンプルのJPEGかどうかを判定する。内容ではなく配列の同一性を比べる
func sameBytes(a, b []byte) bool {
	return len(a) > 0 && len(a) == len(b) && &a[0] == &b[0]
}

// GetMosaic は全カメラの最新フレームをグリッドにまとめたJPEGを返す
func (s *Server) GetMosaic(c *gin.Context) {
	frames := make(map[string]image.Image, s.devices.Len())
	for _, name := range s.devices.Names() {
		if d, ok := s.devices.Get(name); ok {
			frames[name] = currentImage(d)
		}
	}

	data, err := s.composer.ComposeJPEG(frames)
	if err != nil {
		if errors.Is(err, mosaic.ErrNoFrames) {
			writeError(c, http.StatusServiceUnavailable, "frame_not_available", err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "mosaic_failed", err.Error())
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}
