// Package wechat is the WeChat Pay v3 Native client used by the payment gate:
// prepay (QR code_url), order close, and transaction query by out_trade_no.
package wechat

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const apiBase = "https://api.mch.weixin.qq.com"

// Transaction is the subset of the v3 transaction object the gate cares about.
type Transaction struct {
	OutTradeNo  string `json:"out_trade_no"`
	TradeState  string `json:"trade_state"`
	TradeDesc   string `json:"trade_state_desc"`
	SuccessTime string `json:"success_time"`
	Amount      struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

func mockEnabled() bool {
	return strings.TrimSpace(os.Getenv("WECHAT_MOCK")) == "1"
}

// CreateNativeOrder creates a Native pay order and returns code_url.
// With WECHAT_MOCK=1 a placeholder code_url is returned for UI/QR testing.
func CreateNativeOrder(outTradeNo string, totalFen int64) (string, error) {
	if strings.TrimSpace(outTradeNo) == "" {
		return "", errors.New("out_trade_no 为空")
	}
	if totalFen <= 0 {
		return "", errors.New("金额必须为正数(分)")
	}
	if mockEnabled() {
		return fmt.Sprintf("weixin://wxpay/bizpayurl?pr=%s", outTradeNo), nil
	}

	cfg, err := loadMerchantConfig()
	if err != nil {
		return "", err
	}
	reqBody := map[string]interface{}{
		"appid":        cfg.appID,
		"mchid":        cfg.mchID,
		"description":  "Autopen 论文自动写作",
		"out_trade_no": outTradeNo,
		"notify_url":   cfg.notifyURL,
		"amount": map[string]interface{}{
			"total":    totalFen,
			"currency": "CNY",
		},
	}
	body, _ := json.Marshal(reqBody)

	respBody, err := cfg.do(http.MethodPost, "/v3/pay/transactions/native", body)
	if err != nil {
		return "", fmt.Errorf("微信预下单失败: %w", err)
	}
	var out struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.CodeURL) == "" {
		return "", errors.New("微信预下单未返回 code_url")
	}
	return out.CodeURL, nil
}

// CloseNativeOrder closes an order by out_trade_no (user cancelled on our side).
func CloseNativeOrder(outTradeNo string) error {
	if strings.TrimSpace(outTradeNo) == "" {
		return errors.New("out_trade_no 为空")
	}
	if mockEnabled() {
		return nil
	}
	cfg, err := loadMerchantConfig()
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"mchid": cfg.mchID})
	p := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(outTradeNo) + "/close"
	if _, err := cfg.do(http.MethodPost, p, body); err != nil {
		return fmt.Errorf("微信关单失败: %w", err)
	}
	return nil
}

// QueryNativeOrder fetches the current transaction state by out_trade_no.
// With WECHAT_MOCK=1 the state is taken from WECHAT_MOCK_TRADE_STATE
// (default SUCCESS) so the confirm path can be exercised locally.
func QueryNativeOrder(outTradeNo string) (*Transaction, error) {
	if strings.TrimSpace(outTradeNo) == "" {
		return nil, errors.New("out_trade_no 为空")
	}
	if mockEnabled() {
		state := strings.TrimSpace(os.Getenv("WECHAT_MOCK_TRADE_STATE"))
		if state == "" {
			state = "SUCCESS"
		}
		return &Transaction{OutTradeNo: outTradeNo, TradeState: state}, nil
	}
	cfg, err := loadMerchantConfig()
	if err != nil {
		return nil, err
	}
	p := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(outTradeNo) + "?mchid=" + url.QueryEscape(cfg.mchID)
	respBody, err := cfg.do(http.MethodGet, p, nil)
	if err != nil {
		return nil, fmt.Errorf("微信查单失败: %w", err)
	}
	var tx Transaction
	if err := json.Unmarshal(respBody, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// do signs and sends one v3 API request, returning the response body.
func (c *merchantConfig) do(method, requestURI string, body []byte) ([]byte, error) {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	nonce := mustNonce()
	sig, err := signRequest(c.privateKey, method, requestURI, ts, nonce, body)
	if err != nil {
		return nil, err
	}
	auth := fmt.Sprintf(`WECHATPAY2-SHA256-RSA2048 mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		c.mchID, nonce, ts, c.certSerial, sig)

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, apiBase+requestURI, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", auth)

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return nil, errors.New(msg)
	}
	return b, nil
}

// message = method + "\n" + request_uri + "\n" + timestamp + "\n" + nonce + "\n" + body + "\n"
func signRequest(priv *rsa.PrivateKey, method, requestURI, timestamp, nonce string, body []byte) (string, error) {
	msg := method + "\n" + requestURI + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func mustNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return fmt.Sprintf("%x", buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
