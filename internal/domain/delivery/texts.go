package delivery

import (
	"fmt"
	"strings"
)

const (
	barWidth = 10
	mb       = 1024 * 1024
)

func textStarted(albumID string) string {
	return fmt.Sprintf("📥 开始下载 ID: %s\n⏳ 请稍候...", albumID)
}

func textProgressPercent(albumID string, current, total, percent int) string {
	filled := min(barWidth, max(0, percent/barWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return fmt.Sprintf("📥 下载中: %s\n⏳ 进度: [%s] %d%%\n📄 %d/%d 页", albumID, bar, percent, current, total)
}

func textProgressCount(albumID string, count int) string {
	return fmt.Sprintf("📥 下载中: %s\n📄 已下载 %d 页", albumID, count)
}

func textDownloadFailed(albumID string) string {
	return fmt.Sprintf("❌ 下载失败\n\n漫画 ID: %s\n请检查 ID 是否正确", albumID)
}

func textCanceled(albumID string) string {
	return fmt.Sprintf("🛑 下载已取消\n\n漫画 ID: %s", albumID)
}

const textAssembling = "✅ 下载完成！\n📦 正在生成 PDF..."

const textAssembleFailed = "❌ 生成 PDF 失败"

func textCompressing(sizeMB float64) string {
	return fmt.Sprintf("⚠️ 文件较大 (%.1fMB)\n🗜 正在压缩后重新生成 PDF...", sizeMB)
}

func textTooLarge(sizeMB float64, limitMB int) string {
	return fmt.Sprintf("⚠️ 文件过大 (%.1fMB)\nTelegram 限制: %dMB\n\n建议：使用其他方式传输或压缩文件", sizeMB, limitMB)
}

func textUploading(sizeMB float64) string {
	return fmt.Sprintf("📤 正在上传 PDF (%.1fMB)...\n请稍候...", sizeMB)
}

func textUploadFailed(err error) string {
	return fmt.Sprintf("❌ 上传 PDF 失败: %s", err)
}

func captionDocument(albumID string, sizeMB float64) string {
	return fmt.Sprintf("📖 漫画 ID: %s\n📦 大小: %.1fMB", albumID, sizeMB)
}

func captionPreview(albumID string, n int) string {
	return fmt.Sprintf("🖼 %s · 第 %d 页", albumID, n)
}

func sizeMB(size int64) float64 {
	return float64(size) / mb
}
