package router

import (
	"fmt"
	"strings"

	"jmcomic-bot/internal/domain/album"
	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/quota"
)

// Кнопки постоянного меню.
const (
	buttonSearch   = "🔍 搜索漫画"
	buttonDownload = "📥 下载漫画"
	buttonInfo     = "ℹ️ 查看信息"
	buttonHelp     = "❓ 帮助"
)

// downloadPrefix — префикс callback-данных кнопки загрузки.
const downloadPrefix = "download_"

const (
	titleListMax   = 50
	titleButtonMax = 20
	infoTagsMax    = 5
	historyMax     = 10
)

func mainMenu() chat.Markup {
	return chat.Markup{Menu: [][]string{
		{buttonSearch, buttonDownload},
		{buttonInfo, buttonHelp},
	}}
}

func textWelcome(userID int64, allowed bool) string {
	var b strings.Builder
	b.WriteString("👋 欢迎使用 JMComic Bot！\n\n")
	b.WriteString("🤖 我可以帮你搜索和下载漫画\n\n")
	b.WriteString("📱 使用方式：\n1️⃣ 点击下方按钮选择操作\n2️⃣ 输入关键词或漫画 ID\n\n")
	b.WriteString("💡 也可以使用命令：\n")
	b.WriteString("/search <关键词> - 搜索漫画\n/download <ID> - 下载漫画\n/info <ID> - 查看漫画信息\n\n")
	if allowed {
		b.WriteString("✅ 请选择操作：")
	} else {
		fmt.Fprintf(&b, "⚠️ 您的 ID: %d\n请联系管理员添加授权后使用。", userID)
	}
	return b.String()
}

func textHelp(maxFileSizeMB int, autoCompress bool) string {
	var b strings.Builder
	b.WriteString("📚 JMComic Bot 使用指南\n\n")
	b.WriteString("📱 按钮操作：\n点击下方按钮选择操作，然后输入关键词或 ID\n\n")
	b.WriteString("⌨️ 命令操作：\n🔍 /search 僕の乳母メイド\n📥 /download 1222345\nℹ️ /info 1222345\n")
	b.WriteString("🛑 /cancel 取消当前下载\n🗂 /history 最近的下载记录\n\n")
	b.WriteString("💡 提示：\n• 搜索结果会显示按钮，可直接点击下载\n• 下载默认为 PDF 格式\n")
	fmt.Fprintf(&b, "• 单文件最大 %dMB\n", maxFileSizeMB)
	if autoCompress {
		b.WriteString("• 大文件会自动压缩\n")
	}
	return b.String()
}

func textUnauthorized(userID int64) string {
	return fmt.Sprintf("❌ 未授权访问\n\n您的 Telegram ID: %d\n请联系管理员添加授权。", userID)
}

const (
	textPromptSearch   = "🔍 搜索漫画\n\n请输入搜索关键词：\n例如：僕の乳母メイド"
	textPromptDownload = "📥 下载漫画\n\n请输入漫画 ID：\n例如：1222345"
	textPromptInfo     = "ℹ️ 查看漫画信息\n\n请输入漫画 ID：\n例如：1222345"
	textCanceledMenu   = "操作已取消\n\n请选择新的操作："
	textUnknown        = "❌ 未知命令\n\n请使用 /help 查看可用命令"
	textNeedKeyword    = "❌ 请提供搜索关键词\n\n示例: /search 僕の乳母メイド"
	textNeedDownloadID = "❌ 请提供漫画 ID\n\n示例: /download 1222345"
	textNeedInfoID     = "❌ 请提供漫画 ID\n\n示例: /info 1222345"
	textCallbackStart  = "开始下载..."
	textCallbackDup    = "⏳ 已在处理，请勿重复点击"
	textHistoryEmpty   = "🗂 暂无下载记录"
	textQuotaFailed    = "⚠️ 暂时无法检查配额，请稍后再试"
)

func textBadID(raw string) string {
	return fmt.Sprintf("❌ 无效的漫画 ID: %s\n漫画 ID 应为数字，例如：1222345", raw)
}

func textBusy(albumID string) string {
	return fmt.Sprintf("⏳ 当前已有下载任务 (ID: %s)\n请等待完成或使用 /cancel 取消", albumID)
}

func textCancelling(albumID string) string {
	return fmt.Sprintf("🛑 正在取消下载 ID: %s ...", albumID)
}

func textDownloadQuota(limit int) string {
	return fmt.Sprintf("⛔ 已达到每小时下载上限 (%d 次)\n请稍后再试", limit)
}

func textSearchQuota(limit int) string {
	return fmt.Sprintf("⛔ 已达到每小时搜索上限 (%d 次)\n请稍后再试", limit)
}

func textSearching(keyword string) string {
	return fmt.Sprintf("🔍 正在搜索: %s\n请稍候...", keyword)
}

func textNotFound(keyword string) string {
	return fmt.Sprintf("❌ 没有找到匹配的漫画\n\n关键词: %s", keyword)
}

func textResults(results []album.Summary) (string, chat.Markup) {
	var b strings.Builder
	fmt.Fprintf(&b, "📚 找到 %d 个结果：\n\n", len(results))
	rows := make([][]chat.Button, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. ID: %s\n   📖 %s\n   ✍️ %s\n\n", i+1, r.ID, truncate(r.Title, titleListMax), r.Author)
		rows = append(rows, []chat.Button{{
			Text: fmt.Sprintf("📥 %s - %s", r.ID, truncate(r.Title, titleButtonMax)),
			Data: downloadPrefix + r.ID,
		}})
	}
	return strings.TrimRight(b.String(), "\n"), chat.Markup{Inline: rows}
}

func textFetchingInfo(albumID string) string {
	return fmt.Sprintf("ℹ️ 正在获取信息...\nID: %s", albumID)
}

func textInfoFailed(albumID string) string {
	return fmt.Sprintf("❌ 获取失败\n\n漫画 ID: %s", albumID)
}

func textInfo(d album.Detail) (string, chat.Markup) {
	var b strings.Builder
	b.WriteString("📖 漫画信息\n\n")
	fmt.Fprintf(&b, "ID: %s\n标题: %s\n作者: %s\n类别: %s\n页数: %d 页\n", d.ID, d.Title, d.Author, d.Category, d.PageCount)
	if len(d.Tags) > 0 {
		tags := d.Tags
		if len(tags) > infoTagsMax {
			tags = tags[:infoTagsMax]
		}
		fmt.Fprintf(&b, "标签: %s\n", strings.Join(tags, ", "))
	}
	fmt.Fprintf(&b, "\n更新: %s", d.UpdateDate)
	return b.String(), chat.Markup{Inline: [][]chat.Button{{{Text: "📥 下载 PDF", Data: downloadPrefix + d.ID}}}}
}

func textHistory(recs []quota.Record, used, limit int) string {
	var b strings.Builder
	b.WriteString("🗂 最近的下载记录\n\n")
	for _, r := range recs {
		mark := "❌"
		if r.State == "Done" {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s · %s", mark, r.AlbumID, r.At.Local().Format("01-02 15:04"))
		if r.SizeBytes > 0 {
			fmt.Fprintf(&b, " · %.1fMB", float64(r.SizeBytes)/(1024*1024))
		}
		if r.Reason != "" {
			fmt.Fprintf(&b, " · %s", r.Reason)
		}
		b.WriteByte('\n')
	}
	if limit > 0 {
		fmt.Fprintf(&b, "\n本小时已下载 %d/%d 次", used, limit)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate обрезает по рунам и помечает обрезку многоточием.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
