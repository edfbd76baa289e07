package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harukochan/bot-server-go/internal/entitlement"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/persona"
)

// Fixed user-facing texts. Internal errors never reach the user in any other
// form.
const (
	ReplyDenied       = "你已用完免費體驗次數囉 🥺\n輸入 `/購買` 開通晴子醬戀愛方案 💖"
	ReplyApology      = "晴子醬剛剛恍神了，請再說一次好嗎？🥺"
	ReplyTryLater     = "系統有點忙碌，請稍後再試一次喔 🙏"
	ReplySlowDown     = "訊息太快了啦～讓晴子醬喘口氣再聊 💦"
	ReplyImageFailed  = "圖片畫不出來，晴子醬稍後再試🥺"
	ReplySpeechFailed = "語音生成失敗了，晴子醬稍後再試🥺"
	ReplyASRFailed    = "晴子醬聽不清楚，好像沒識別到語音🥺"
	ReplyImageUsage   = "請在 `/畫圖` 後面加上想畫的內容，例如：/畫圖 櫻花樹下的貓咪 🎨"
	ReplyGroupCleared = "已關閉多角色模式，回到單一角色聊天 💬"

	DefaultSpeakText = "你好，我是晴子醬！"
)

const dateDisplayLayout = "2006/01/02"

var groupOffWords = map[string]bool{"關閉": true, "off": true, "none": true}

func statusReply(account *model.Account, whitelisted bool, today time.Time) string {
	var b strings.Builder
	b.WriteString("📋 你的狀態\n")

	switch {
	case whitelisted:
		b.WriteString("方案：VIP 白名單（不限次數）\n")
	case entitlement.IsSubscribed(account.SubscriptionExpiry, today):
		fmt.Fprintf(&b, "方案：戀愛方案（到期日 %s）\n", account.SubscriptionExpiry.Format(dateDisplayLayout))
	default:
		fmt.Fprintf(&b, "方案：免費體驗（剩餘 %d 次）\n", account.FreeCreditsRemaining)
	}

	names := make([]string, 0, len(account.Personas()))
	for _, id := range account.Personas() {
		names = append(names, persona.MustLookup(id).DisplayName)
	}
	fmt.Fprintf(&b, "角色：%s\n", strings.Join(names, "、"))
	fmt.Fprintf(&b, "累積訊息：%d 則", account.MessageCount)
	return b.String()
}

func personaListReply() string {
	var b strings.Builder
	b.WriteString("可以選擇的角色：\n")
	for _, p := range persona.All() {
		fmt.Fprintf(&b, "・%s（/角色 %s）\n", p.DisplayName, p.ID)
	}
	b.WriteString("多角色一起聊：/群組 rina sora")
	return b.String()
}

func personaSwitchedReply(p persona.Persona) string {
	return fmt.Sprintf("已切換成 %s 💕", p.DisplayName)
}

func groupSetReply(ids []string) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, persona.MustLookup(id).DisplayName)
	}
	return fmt.Sprintf("多角色模式開啟：%s 會一起回覆你 🎉", strings.Join(names, "、"))
}

func purchaseReply(plans map[int]int, link string) string {
	amounts := make([]int, 0, len(plans))
	for amount := range plans {
		amounts = append(amounts, amount)
	}
	sort.Ints(amounts)

	var b strings.Builder
	b.WriteString("💖 晴子醬戀愛方案\n")
	for _, amount := range amounts {
		fmt.Fprintf(&b, "・NT$%d：%d 天無限聊天\n", amount, plans[amount])
	}
	if link != "" {
		fmt.Fprintf(&b, "👉 付款連結：%s", link)
	} else {
		b.WriteString("付款功能準備中，請稍後再試 🙏")
	}
	return b.String()
}

func helpReply() string {
	return strings.Join([]string{
		"📖 晴子醬使用說明",
		"・直接傳訊息或語音就能聊天",
		"・/狀態 查看剩餘次數與方案",
		"・/角色 <名稱> 切換角色",
		"・/群組 <名稱...> 多角色一起回覆（/群組 關閉）",
		"・/畫圖 <內容> 請晴子醬畫圖",
		"・/朗讀 <文字> 讓晴子醬念給你聽",
		"・/購買 開通戀愛方案",
	}, "\n")
}

// PaymentConfirmedReply is pushed to the user after a successful credit.
func PaymentConfirmedReply(days int, expiry time.Time) string {
	return fmt.Sprintf("付款成功 🎉 已加值 %d 天，方案到期日：%s\n謝謝你一直陪著晴子醬 💖", days, expiry.Format(dateDisplayLayout))
}

// ExpiryReminderReply is pushed the day before a subscription lapses.
func ExpiryReminderReply(expiry time.Time) string {
	return fmt.Sprintf("提醒你～戀愛方案將在 %s 到期囉 🥺\n輸入 `/購買` 就能繼續和晴子醬聊天 💖", expiry.Format(dateDisplayLayout))
}
