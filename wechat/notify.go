package wechat

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// PaymentNotifier receives a verified, decrypted success notification. The
// implementation (checkout manager) does amount validation against the
// intent; errors here do not leak to WeChat.
type PaymentNotifier interface {
	HandlePaid(outTradeNo string, amountFen int64, paidAt time.Time) error
}

type notifyEnvelope struct {
	Resource struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		AssociatedData string `json:"associated_data"`
		Nonce          string `json:"nonce"`
		OriginalType   string `json:"original_type"`
	} `json:"resource"`
}

type notifyTransaction struct {
	OutTradeNo  string `json:"out_trade_no"`
	TradeState  string `json:"trade_state"`
	SuccessTime string `json:"success_time"`
	Amount      struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

func RegisterNotifyRoutes(mux *http.ServeMux, sink PaymentNotifier) {
	h := &notifyHandler{sink: sink}
	mux.HandleFunc("/wechatpay/notify", h.handle)
	// 兼容末尾多一个 "/" 的 notify_url（ServeMux 对不带 "/" 结尾的 pattern 是精确匹配）
	mux.HandleFunc("/wechatpay/notify/", h.handle)
}

type notifyHandler struct {
	sink PaymentNotifier
}

func (h *notifyHandler) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	log.Printf("wechatpay notify: hit path=%s", r.URL.Path)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "read body failed"})
		return
	}

	apiV3Key, err := readAPIV3Key()
	if err != nil {
		log.Printf("wechatpay notify: read apiV3Key error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "FAIL", "message": "server config error"})
		return
	}

	v, err := loadVerifier()
	if err != nil {
		log.Printf("wechatpay notify: platform verifier error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "FAIL", "message": "server config error"})
		return
	}

	if err := v.Verify(r.Header, body); err != nil {
		log.Printf("wechatpay notify: signature verify failed: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "invalid signature"})
		return
	}

	var env notifyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "invalid json"})
		return
	}

	plain, err := decryptResource(apiV3Key, env.Resource.AssociatedData, env.Resource.Nonce, env.Resource.Ciphertext)
	if err != nil {
		log.Printf("wechatpay notify: decrypt failed: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "decrypt failed"})
		return
	}

	var tx notifyTransaction
	if err := json.Unmarshal(plain, &tx); err != nil {
		log.Printf("wechatpay notify: unmarshal tx failed: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "invalid payload"})
		return
	}

	outTradeNo := strings.TrimSpace(tx.OutTradeNo)
	if outTradeNo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "missing out_trade_no"})
		return
	}

	if strings.ToUpper(tx.TradeState) != "SUCCESS" {
		// 非成功状态也返回 SUCCESS，避免微信重试淹没；商户侧走主动查询兜底。
		writeJSON(w, http.StatusOK, map[string]string{"code": "SUCCESS", "message": "OK"})
		return
	}

	paidAt := time.Now()
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(tx.SuccessTime)); err == nil {
		paidAt = t
	}

	if err := h.sink.HandlePaid(outTradeNo, tx.Amount.Total, paidAt); err != nil {
		// 包括金额不匹配、未知单号：记日志并拒绝，让微信按策略重试。
		log.Printf("wechatpay notify: apply failed out_trade_no=%s: %v", outTradeNo, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "FAIL", "message": "apply failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"code": "SUCCESS", "message": "OK"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
