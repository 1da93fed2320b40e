package logger

import "github.com/ideamans/go-l10n"

func init() {
	l10n.Register("ja", l10n.LexiconMap{
		// cmd/reexport
		"reexport version %s":                  "reexport バージョン %s",
		"missing required argument: source":     "必須引数がありません: source",
		"frame %d/%d (%.1f%%)":                  "フレーム %d/%d (%.1f%%)",
		"Interrupted, cancelling export...":     "中断されました。エクスポートを取り消しています...",
		"Exporting %s -> %s":                    "%s を %s へエクスポート中",
		"Wrote %d bytes to %s":                  "%d バイトを %s に書き込みました",

		// pkg/pipeline
		"Encoder configured, backend=%s": "エンコーダーを構成しました, backend=%s",
		"compositor cleanup: %s":         "コンポジターの後処理でエラー: %s",
		"encoder cleanup: %s":            "エンコーダーの後処理でエラー: %s",
		"muxer cleanup: %s":              "マルチプレクサーの後処理でエラー: %s",
	})
}
