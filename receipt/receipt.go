// Package receipt renders a payment receipt workbook for a paid checkout
// session and keeps it on OSS for cross-pod downloads.
package receipt

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"autopen/domain"
	"autopen/ossstore"
	"autopen/quote"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var addonLabels = map[string]string{
	"evidencePack":     "证据包",
	"plagiarismReport": "查重报告",
	"aigcReport":       "AIGC 检测报告",
	"dataCharts":       "数据图表",
}

var levelLabels = map[domain.VerifyLevel]string{
	domain.VerifyLevelBasic:    "基础核验",
	domain.VerifyLevelStandard: "标准核验",
	domain.VerifyLevelPro:      "专业核验",
}

// Service generates receipts lazily (first download) and caches the OSS key.
type Service struct {
	mu  sync.Mutex
	oss *ossstore.Store
}

func NewService(oss *ossstore.Store) *Service {
	return &Service{oss: oss}
}

// For returns a signed download URL for the session's receipt, generating and
// uploading the workbook on first call. The session must carry a succeeded
// intent.
func (s *Service) For(sess domain.CheckoutSession) (signedURL, filename string, err error) {
	if sess.Intent == nil || sess.Intent.Status != domain.PaymentStatusSucceeded {
		return "", "", errors.New("支付未完成，无法生成回执")
	}
	if s.oss == nil || !s.oss.Enabled() {
		return "", "", errors.New("oss not enabled")
	}

	key := s.oss.ObjectKeyForReceipt(sess.ProjectID, sess.Intent.ID)
	filename = "支付回执.xlsx"

	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.oss.Exists(key)
	if err != nil {
		log.Printf("receipt exists check %s: %v", key, err)
	}
	if !exists {
		data, err := Render(sess)
		if err != nil {
			return "", "", err
		}
		if err := s.oss.PutBytes(key, data, xlsxContentType); err != nil {
			return "", "", fmt.Errorf("上传回执失败: %w", err)
		}
	}
	u, err := s.oss.SignDownloadURL(key, filename)
	if err != nil {
		return "", "", err
	}
	return u, filename, nil
}

// Render builds the receipt workbook in memory: order summary on top, then
// one line per priced item (level package + each addon).
func Render(sess domain.CheckoutSession) ([]byte, error) {
	intent := sess.Intent
	if intent == nil {
		return nil, errors.New("session has no payment intent")
	}

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	if sheet == "" {
		sheet = "Sheet1"
	}
	_ = f.SetSheetName(sheet, "支付回执")
	sheet = "支付回执"

	headStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 14},
	})
	labelStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})

	_ = f.SetCellValue(sheet, "A1", "Autopen 论文自动写作 · 支付回执")
	_ = f.SetCellStyle(sheet, "A1", "A1", headStyle)

	paidAt := intent.CreatedAt
	if intent.PaidAt != nil {
		paidAt = *intent.PaidAt
	}
	summary := [][2]interface{}{
		{"项目编号", sess.ProjectID},
		{"支付单号", intent.ID},
		{"价格锁编号", intent.LockID},
		{"支付金额（元）", float64(intent.AmountFen) / 100.0},
		{"支付时间", paidAt.Format(time.DateTime)},
		{"核验档位", levelLabel(sess.VerifyLevel)},
		{"字数", sess.WordCount},
	}
	row := 3
	for _, kv := range summary {
		_ = f.SetCellValue(sheet, cellAxis(row, 1), kv[0])
		_ = f.SetCellStyle(sheet, cellAxis(row, 1), cellAxis(row, 1), labelStyle)
		_ = f.SetCellValue(sheet, cellAxis(row, 2), kv[1])
		row++
	}

	row++
	_ = f.SetCellValue(sheet, cellAxis(row, 1), "计费项")
	_ = f.SetCellValue(sheet, cellAxis(row, 2), "金额（元）")
	_ = f.SetCellStyle(sheet, cellAxis(row, 1), cellAxis(row, 2), labelStyle)
	row++

	addonTotal := quote.Total(sess.Addons)
	baseFen := intent.AmountFen - addonTotal
	_ = f.SetCellValue(sheet, cellAxis(row, 1), fmt.Sprintf("%s（%d 字）", levelLabel(sess.VerifyLevel), sess.WordCount))
	_ = f.SetCellValue(sheet, cellAxis(row, 2), float64(baseFen)/100.0)
	row++
	for _, id := range sess.Addons {
		_ = f.SetCellValue(sheet, cellAxis(row, 1), addonLabel(id))
		_ = f.SetCellValue(sheet, cellAxis(row, 2), float64(quote.MustPrice(id))/100.0)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 28)
	_ = f.SetColWidth(sheet, "B", "B", 36)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("写入回执失败: %w", err)
	}
	return buf.Bytes(), nil
}

func levelLabel(level domain.VerifyLevel) string {
	if s, ok := levelLabels[level]; ok {
		return s
	}
	return string(level)
}

func addonLabel(id string) string {
	if s, ok := addonLabels[strings.TrimSpace(id)]; ok {
		return s
	}
	return id
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
