// Package camera カメラからのフレーム取得を担う
//
// # 責務
// - 1台のカメラごとに専用の制御ループでフレームを取得する（Device）
// - 複数カメラを名前でまとめて操作する（DeviceSet）
// - 切断時の自動再接続と代替画像の提供
// - V4L2デバイスの検出
//
// # 使い分け
// - 最新フレームだけ欲しい場合は既定の最新のみモードを使う
// - 取りこぼしなく順に処理したい場合はキューモードを使う（満杯時は新しいフレームを捨てる）
//
// # 仕様
// - 制御ループ: 取得、リサイズ・反転、変換、公開、待機、一時停止チェックの順に繰り返す
// - Handle: デバイス記述子（番号、/dev/videoN、x11:、URL、ファイル、test:）ごとのOpenerで開く
// - ffmpeg経由でMJPEGを受け取り、最新フレームだけを保持する
// - 変換処理のエラーやpanicはログに残して元のフレームを通す
// - Stopは冪等で、ループの終了とデバイスの解放まで待つ
//
// # 前提要件
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイス名とフォーマットの取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
