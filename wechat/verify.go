package wechat

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// verifier checks WeChat Pay notify signatures. Supports platform public key
// mode (WECHAT_PLATFORM_PUBLIC_KEY or *_PATH) and legacy platform certificate
// mode (WECHAT_PLATFORM_CERT_PATH).
type verifier struct {
	publicKey *rsa.PublicKey
}

func loadVerifier() (*verifier, error) {
	if pemText := strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_PUBLIC_KEY")); pemText != "" {
		pub, err := parseRSAPublicKeyPEM(pemText)
		if err != nil {
			return nil, fmt.Errorf("解析 WECHAT_PLATFORM_PUBLIC_KEY 失败: %w", err)
		}
		return &verifier{publicKey: pub}, nil
	}
	if p := strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_PUBLIC_KEY_PATH")); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		pub, err := parseRSAPublicKeyPEM(string(b))
		if err != nil {
			return nil, fmt.Errorf("解析平台公钥文件失败: %w", err)
		}
		return &verifier{publicKey: pub}, nil
	}
	if p := strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_CERT_PATH")); p != "" {
		cert, err := loadX509Cert(p)
		if err != nil {
			return nil, fmt.Errorf("加载平台证书失败: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("平台证书公钥不是 RSA")
		}
		return &verifier{publicKey: pub}, nil
	}
	return nil, errors.New("缺少平台验签材料：请配置 WECHAT_PLATFORM_PUBLIC_KEY(_PATH) 或 WECHAT_PLATFORM_CERT_PATH")
}

func (v *verifier) Verify(h http.Header, body []byte) error {
	ts := h.Get("Wechatpay-Timestamp")
	nonce := h.Get("Wechatpay-Nonce")
	sigB64 := h.Get("Wechatpay-Signature")
	if ts == "" || nonce == "" || sigB64 == "" {
		return errors.New("缺少微信验签头")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	msg := ts + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(msg))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return errors.New("验签失败")
	}
	return nil
}

// decryptResource opens the AES-256-GCM notify resource with the APIv3 key.
func decryptResource(apiV3Key, associatedData, nonce, ciphertext string) ([]byte, error) {
	key := []byte(apiV3Key)
	if len(key) != 32 {
		return nil, errors.New("APIv3Key 长度必须为 32 字节")
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, []byte(nonce), ct, []byte(associatedData))
}

func parseRSAPublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	pemText = strings.TrimSpace(pemText)
	// env injection often escapes newlines
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := pubAny.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("平台公钥不是 RSA")
	}
	// user pasted a certificate by mistake
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
	}
	return nil, errors.New("无法解析 RSA 公钥")
}
