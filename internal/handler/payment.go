package handler

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/audit"
	"github.com/harukochan/bot-server-go/internal/ecpay"
	"github.com/harukochan/bot-server-go/internal/model"
)

// Gateway acknowledgements. Anything other than "1|OK" makes the gateway
// retry the notification.
const (
	ackOK        = "1|OK"
	ackBadMac    = "0|CheckMacValue Error"
	ackTryLater  = "0|Temporary Failure"
	ackBadForm   = "0|Invalid Form"
	notifyPath   = "/payments/ecpay/notify"
	checkoutPath = "/payments/checkout"
)

// Crediter applies a confirmed payment to a user's subscription.
type Crediter interface {
	Credit(ctx context.Context, n model.PaymentNotification, now time.Time) (*model.CreditResult, error)
}

type PaymentHandlerConfig struct {
	Plans         map[int]int
	CheckoutURL   string
	PublicBaseURL string
}

type PaymentHandler struct {
	payments Crediter
	signer   *ecpay.Signer
	cfg      PaymentHandlerConfig
	now      func() time.Time
}

func NewPaymentHandler(payments Crediter, signer *ecpay.Signer, cfg PaymentHandlerConfig) *PaymentHandler {
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	return &PaymentHandler{payments: payments, signer: signer, cfg: cfg, now: time.Now}
}

// Notify receives the gateway's server-side payment result.
func (h *PaymentHandler) Notify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		log.Warn().Err(err).Msg("invalid payment notification form")
		writeText(w, http.StatusBadRequest, ackBadForm)
		return
	}

	n, params, parseErr := ecpay.ParseNotification(r.PostForm)
	if !h.signer.Verify(params) {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventSignatureFailure,
			Details: map[string]interface{}{"source": "ecpay", "merchantTradeNo": params["MerchantTradeNo"]},
		})
		writeText(w, http.StatusBadRequest, ackBadMac)
		return
	}

	// From here on the payload is authentic, so problems with it are
	// acknowledged rather than retried forever.
	if parseErr != nil {
		log.Warn().Err(parseErr).Str("merchantTradeNo", params["MerchantTradeNo"]).Msg("malformed payment notification ignored")
		writeText(w, http.StatusOK, ackOK)
		return
	}

	logger := log.With().
		Str("merchantTradeNo", n.MerchantTradeNo).
		Str("tradeNo", n.TradeNo).
		Str("userId", n.CustomField1).
		Logger()

	if !n.Paid() || n.Simulated() {
		logger.Info().Str("rtnCode", n.RtnCode).Bool("simulated", n.Simulated()).Msg("unpaid payment notification acknowledged")
		writeText(w, http.StatusOK, ackOK)
		return
	}

	result, err := h.payments.Credit(r.Context(), model.PaymentNotification{
		UserID:        n.CustomField1,
		PaidAmount:    n.TradeAmt,
		TransactionID: n.MerchantTradeNo,
	}, h.now())
	if err != nil {
		logger.Error().Err(err).Msg("payment credit failed, asking gateway to retry")
		writeText(w, http.StatusInternalServerError, ackTryLater)
		return
	}

	logger.Info().Str("outcome", string(result.Outcome)).Msg("payment notification processed")
	writeText(w, http.StatusOK, ackOK)
}

type planOption struct {
	Amount int
	Days   int
	Link   string
}

var planPageTemplate = template.Must(template.New("plans").Parse(`<!DOCTYPE html>
<html lang="zh-Hant">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>晴子醬戀愛方案</title></head>
<body>
<h1>💖 晴子醬戀愛方案</h1>
<ul>
{{range .}}<li><a href="{{.Link}}">NT${{.Amount}}：{{.Days}} 天無限聊天</a></li>
{{end}}</ul>
</body>
</html>
`))

var checkoutFormTemplate = template.Must(template.New("checkout").Parse(`<!DOCTYPE html>
<html lang="zh-Hant">
<head><meta charset="utf-8"><title>前往付款…</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $name, $value := .Fields}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<noscript><button type="submit">前往付款</button></noscript>
</form>
</body>
</html>
`))

// Checkout renders the plan list for a user, or, when an amount is chosen,
// a form that auto-submits a signed order to the gateway.
func (h *PaymentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeText(w, http.StatusBadRequest, "missing userId")
		return
	}
	if !h.signer.Configured() {
		writeText(w, http.StatusServiceUnavailable, "payments are not available")
		return
	}

	rawAmount := r.URL.Query().Get("amount")
	if rawAmount == "" {
		h.renderPlans(w, userID)
		return
	}

	amount, err := strconv.Atoi(rawAmount)
	days, ok := h.cfg.Plans[amount]
	if err != nil || !ok {
		writeText(w, http.StatusBadRequest, "unknown plan")
		return
	}

	fields := h.signer.BuildCheckout(ecpay.CheckoutRequest{
		UserID:    userID,
		Amount:    amount,
		ItemName:  fmt.Sprintf("晴子醬戀愛方案 %d 天", days),
		ReturnURL: h.cfg.PublicBaseURL + notifyPath,
		Now:       h.now(),
	})
	log.Info().Str("userId", userID).Int("amount", amount).Str("merchantTradeNo", fields["MerchantTradeNo"]).Msg("checkout started")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := checkoutFormTemplate.Execute(w, map[string]any{"Action": h.cfg.CheckoutURL, "Fields": fields}); err != nil {
		log.Error().Err(err).Msg("failed to render checkout form")
	}
}

func (h *PaymentHandler) renderPlans(w http.ResponseWriter, userID string) {
	options := make([]planOption, 0, len(h.cfg.Plans))
	for amount, days := range h.cfg.Plans {
		q := url.Values{"userId": {userID}, "amount": {strconv.Itoa(amount)}}
		options = append(options, planOption{
			Amount: amount,
			Days:   days,
			Link:   checkoutPath + "?" + q.Encode(),
		})
	}
	sort.Slice(options, func(i, j int) bool { return options[i].Amount < options[j].Amount })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := planPageTemplate.Execute(w, options); err != nil {
		log.Error().Err(err).Msg("failed to render plan page")
	}
}
