package paygate

import (
	"strings"

	"autopen/wechat"
)

// WechatProvider adapts the WeChat Pay Native client to the Provider contract.
type WechatProvider struct{}

func (WechatProvider) CreateOrder(outTradeNo string, amountFen int64) (string, error) {
	return wechat.CreateNativeOrder(outTradeNo, amountFen)
}

func (WechatProvider) QueryOrder(outTradeNo string) (Outcome, error) {
	tx, err := wechat.QueryNativeOrder(outTradeNo)
	if err != nil {
		return Outcome{}, err
	}
	switch strings.ToUpper(strings.TrimSpace(tx.TradeState)) {
	case "SUCCESS":
		return Outcome{Terminal: true, Succeeded: true}, nil
	case "NOTPAY", "USERPAYING", "ACCEPT":
		return Outcome{Terminal: false, Reason: tx.TradeDesc}, nil
	default:
		// CLOSED / REVOKED / PAYERROR / REFUND
		reason := strings.TrimSpace(tx.TradeDesc)
		if reason == "" {
			reason = tx.TradeState
		}
		return Outcome{Terminal: true, Succeeded: false, Reason: reason}, nil
	}
}

func (WechatProvider) CloseOrder(outTradeNo string) error {
	return wechat.CloseNativeOrder(outTradeNo)
}
