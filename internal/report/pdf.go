package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"express-audit/internal/models"
)

// Stage titles as shown in the brief. Core PDF fonts are cp1251-translated,
// which covers the Cyrillic the report needs.
var stageTitles = map[string]string{
	"connection":      "Подключение к сайту",
	"ssl":             "SSL-сертификат",
	"privacy_policy":  "Политика конфиденциальности",
	"cookie_banner":   "Cookie-баннер",
	"consent_forms":   "Согласия в формах",
	"company_details": "Реквизиты оператора",
	"hosting":         "Хостинг",
	"rkn_registry":    "Реестр операторов РКН",
}

var outcomeTitles = map[string]string{
	models.OutcomePassed:  "Пройдено",
	models.OutcomeWarning: "Требует внимания",
	models.OutcomeFailed:  "Не пройдено",
}

var severityTitles = map[string]string{
	models.SeverityLow:    "Низкий риск",
	models.SeverityMedium: "Средний риск",
	models.SeverityHigh:   "Высокий риск",
}

// Render produces the one-page express brief for a completed audit.
func Render(audit models.Audit, results []models.StageResult) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("cp1251")
	pdf.SetTitle(tr("Экспресс-проверка "+audit.WebsiteURL), false)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, tr("Экспресс-проверка соответствия 152-ФЗ"), "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(0, 7, tr("Сайт: ")+audit.WebsiteURL, "", 1, "L", false, 0, "")
	if audit.CompletedAt != nil {
		pdf.CellFormat(0, 7, tr("Дата проверки: ")+audit.CompletedAt.Format("02.01.2006 15:04"), "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)

	if audit.ScorePercent != nil {
		pdf.SetFont("Arial", "B", 13)
		line := fmt.Sprintf("%s: %d/100", tr("Итоговая оценка"), *audit.ScorePercent)
		if audit.Severity != nil {
			line += " — " + tr(severityTitles[*audit.Severity])
		}
		pdf.CellFormat(0, 9, line, "", 1, "L", false, 0, "")
	}

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("Пройдено: %d   Предупреждений: %d   Не пройдено: %d",
		audit.PassedCount, audit.WarningCount, audit.FailedCount)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(110, 8, tr("Проверка"), "B", 0, "L", false, 0, "")
	pdf.CellFormat(0, 8, tr("Результат"), "B", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, r := range results {
		title := stageTitles[r.StageName]
		if title == "" {
			title = r.StageName
		}
		pdf.CellFormat(110, 7, tr(title), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, tr(outcomeTitles[r.Outcome]), "", 1, "L", false, 0, "")
		if r.Evidence.Details != "" {
			pdf.SetFont("Arial", "I", 8)
			pdf.SetTextColor(110, 110, 110)
			pdf.MultiCell(0, 4.5, tr(r.Evidence.Details), "", "L", false)
			pdf.SetTextColor(0, 0, 0)
			pdf.SetFont("Arial", "", 10)
		}
	}

	pdf.Ln(5)
	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(110, 110, 110)
	pdf.MultiCell(0, 4.5, tr("Экспресс-проверка носит ознакомительный характер и не заменяет полный аудит соответствия требованиям 152-ФЗ."), "", "L", false)
	pdf.CellFormat(0, 5, tr("Сформировано: ")+time.Now().Format("02.01.2006 15:04"), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
