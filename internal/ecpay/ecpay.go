// Package ecpay signs checkout requests for, and verifies notifications from,
// the ECPay all-in-one payment gateway.
package ecpay

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/harukochan/bot-server-go/internal/util"
)

type EncryptType int

const (
	EncryptMD5    EncryptType = 0
	EncryptSHA256 EncryptType = 1
)

const (
	checkMacField   = "CheckMacValue"
	tradeDateLayout = "2006/01/02 15:04:05"
	// RtnCodePaid is the only return code that means money was received.
	RtnCodePaid = "1"
)

// .NET-style URL encoding keeps these characters literal.
var dotNetUnescape = strings.NewReplacer(
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
)

// CheckMacValue computes the gateway signature over params, ignoring any
// CheckMacValue already present.
func CheckMacValue(params map[string]string, hashKey, hashIV string, enc EncryptType) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == checkMacField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(hashKey)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(hashIV)

	encoded := dotNetUnescape.Replace(strings.ToLower(url.QueryEscape(b.String())))

	var sum []byte
	if enc == EncryptMD5 {
		h := md5.Sum([]byte(encoded))
		sum = h[:]
	} else {
		h := sha256.Sum256([]byte(encoded))
		sum = h[:]
	}
	return strings.ToUpper(hex.EncodeToString(sum))
}

type Signer struct {
	merchantID string
	hashKey    string
	hashIV     string
	enc        EncryptType
}

func NewSigner(merchantID, hashKey, hashIV string) *Signer {
	return &Signer{merchantID: merchantID, hashKey: hashKey, hashIV: hashIV, enc: EncryptSHA256}
}

func (s *Signer) Configured() bool {
	return s.hashKey != "" && s.hashIV != ""
}

func (s *Signer) Sign(params map[string]string) string {
	return CheckMacValue(params, s.hashKey, s.hashIV, s.enc)
}

// Verify checks the CheckMacValue carried in params.
func (s *Signer) Verify(params map[string]string) bool {
	got := params[checkMacField]
	if got == "" || !s.Configured() {
		return false
	}
	return util.ConstantTimeEqual(strings.ToUpper(got), s.Sign(params))
}

// CheckoutRequest describes one plan purchase.
type CheckoutRequest struct {
	UserID    string
	Amount    int
	ItemName  string
	ReturnURL string
	Now       time.Time
}

// BuildCheckout returns signed form fields for the gateway's checkout page.
// The user id travels in CustomField1 and comes back in the notification.
func (s *Signer) BuildCheckout(req CheckoutRequest) map[string]string {
	params := map[string]string{
		"MerchantID":        s.merchantID,
		"MerchantTradeNo":   NewMerchantTradeNo(),
		"MerchantTradeDate": req.Now.Format(tradeDateLayout),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.Itoa(req.Amount),
		"TradeDesc":         "subscription",
		"ItemName":          req.ItemName,
		"ReturnURL":         req.ReturnURL,
		"ChoosePayment":     "ALL",
		"EncryptType":       strconv.Itoa(int(s.enc)),
		"CustomField1":      req.UserID,
	}
	params[checkMacField] = s.Sign(params)
	return params
}

// NewMerchantTradeNo returns a unique 20 character alphanumeric trade number.
func NewMerchantTradeNo() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Notification is the payment result the gateway posts to ReturnURL.
type Notification struct {
	MerchantID      string `validate:"required"`
	MerchantTradeNo string `validate:"required,max=20"`
	RtnCode         string `validate:"required"`
	RtnMsg          string
	TradeNo         string `validate:"required"`
	TradeAmt        int    `validate:"gt=0"`
	PaymentDate     string
	SimulatePaid    string
	CustomField1    string
	CheckMacValue   string `validate:"required"`
}

func (n *Notification) Paid() bool {
	return n.RtnCode == RtnCodePaid
}

func (n *Notification) Simulated() bool {
	return n.SimulatePaid == "1"
}

var validate = validator.New()

// ParseNotification flattens the posted form and validates required fields.
// The flattened map is returned for signature verification.
func ParseNotification(form url.Values) (*Notification, map[string]string, error) {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}

	n := &Notification{
		MerchantID:      params["MerchantID"],
		MerchantTradeNo: params["MerchantTradeNo"],
		RtnCode:         params["RtnCode"],
		RtnMsg:          params["RtnMsg"],
		TradeNo:         params["TradeNo"],
		PaymentDate:     params["PaymentDate"],
		SimulatePaid:    params["SimulatePaid"],
		CustomField1:    strings.TrimSpace(params["CustomField1"]),
		CheckMacValue:   params[checkMacField],
	}
	if raw := params["TradeAmt"]; raw != "" {
		amount, err := strconv.Atoi(raw)
		if err != nil {
			return nil, params, fmt.Errorf("parse TradeAmt %q: %w", raw, err)
		}
		n.TradeAmt = amount
	}

	if err := validate.Struct(n); err != nil {
		return nil, params, fmt.Errorf("validate notification: %w", err)
	}
	return n, params, nil
}
