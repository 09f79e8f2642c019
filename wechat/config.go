package wechat

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

type merchantConfig struct {
	mchID      string
	appID      string
	notifyURL  string
	certSerial string
	privateKey *rsa.PrivateKey
}

// loadMerchantConfig reads merchant credentials from env:
//   - WECHAT_MCHID: direct merchant id, digits only
//   - WECHAT_PAY_APPID: the "wx..." appid used in the v3 request body
//   - WECHAT_NOTIFY_URL: public HTTPS notify endpoint
//   - WECHAT_MERCHANT_KEY_PATH / WECHAT_MERCHANT_CERT_PATH: PEM files
//     (defaults under wechatpay/cert/)
func loadMerchantConfig() (*merchantConfig, error) {
	mchID := strings.TrimSpace(os.Getenv("WECHAT_MCHID"))
	if mchID == "" {
		return nil, errors.New("缺少 WECHAT_MCHID")
	}
	if !isValidMchID(mchID) {
		return nil, fmt.Errorf("WECHAT_MCHID 非法：%q（必须是纯数字直连商户号）", mchID)
	}
	appID := strings.TrimSpace(os.Getenv("WECHAT_PAY_APPID"))
	if appID == "" {
		return nil, errors.New("缺少 WECHAT_PAY_APPID")
	}
	notifyURL := strings.TrimSpace(os.Getenv("WECHAT_NOTIFY_URL"))
	if notifyURL == "" {
		return nil, errors.New("缺少 WECHAT_NOTIFY_URL")
	}

	keyPath := readEnvDefault("WECHAT_MERCHANT_KEY_PATH", "wechatpay/cert/apiclient_key.pem")
	certPath := readEnvDefault("WECHAT_MERCHANT_CERT_PATH", "wechatpay/cert/apiclient_cert.pem")

	priv, err := loadRSAPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("加载商户私钥失败: %w", err)
	}
	cert, err := loadX509Cert(certPath)
	if err != nil {
		return nil, fmt.Errorf("加载商户证书失败: %w", err)
	}
	serial := strings.ToUpper(cert.SerialNumber.Text(16))
	if serial == "" {
		return nil, errors.New("无法获取商户证书序列号")
	}

	return &merchantConfig{
		mchID:      mchID,
		appID:      appID,
		notifyURL:  notifyURL,
		certSerial: serial,
		privateKey: priv,
	}, nil
}

func readAPIV3Key() (string, error) {
	if v := strings.TrimSpace(os.Getenv("WECHAT_API_V3_KEY")); v != "" {
		return v, nil
	}
	return "", errors.New("缺少 WECHAT_API_V3_KEY：请通过环境变量注入")
}

func isValidMchID(mchID string) bool {
	if mchID == "" {
		return false
	}
	for _, ch := range mchID {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return mchID[0] != '0'
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	// PKCS1 first, then PKCS8.
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥不是 RSA")
	}
	return rk, nil
}

func loadX509Cert(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}
