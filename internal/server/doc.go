// Package server は、カメラ操作のHTTP APIとイベント通知を提供します。
//
// 責務:
//   - カメラの一覧、状態取得、開始、停止、一時停止、再開、フレームレート変更
//   - スナップショット、base64フレーム、MJPEGストリームの配信
//   - 全カメラのモザイク画像の配信
//   - WebSocketによるサンプル到着通知
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - 存在しないカメラ名は404（DeviceSetに渡す前に確認する）
//   - 未接続のカメラは代替画像を返す
//   - グレースフルシャットダウンに対応
package server
