package check

import (
	"context"
	"regexp"
	"strings"

	"express-audit/internal/models"
)

var (
	innLabeledRe  = regexp.MustCompile(`(?i)ИНН[:\s№]*([0-9]{10,12})`)
	ogrnLabeledRe = regexp.MustCompile(`(?i)ОГРН(?:ИП)?[:\s№]*([0-9]{13,15})`)

	// Company names as rendered in Russian site footers: the legal form
	// followed by a quoted or capitalized name.
	companyNameRe = regexp.MustCompile(`(?:ООО|АО|ПАО|ЗАО|АНО|ИП)\s+[«"][^»"]{2,80}[»"]`)
)

// CompanyDetailsStage extracts the site operator's requisites from the page:
// INN, OGRN, and the legal company name. These usually live in the footer or
// a contacts block. The findings feed the registry stage through PageFacts.
func CompanyDetailsStage() Stage {
	return StageFunc{StageName: StageCompanyDetails, Fn: func(_ context.Context, snap *Snapshot, facts *PageFacts) models.StageResult {
		ev := models.Evidence{}

		if m := innLabeledRe.FindStringSubmatch(snap.Text); m != nil && models.ValidINN(m[1]) {
			ev.INN = m[1]
		}
		if m := ogrnLabeledRe.FindStringSubmatch(snap.Text); m != nil {
			if len(m[1]) == 13 || len(m[1]) == 15 {
				ev.OGRN = m[1]
			}
		}
		if m := companyNameRe.FindString(snap.Text); m != "" {
			ev.CompanyName = strings.TrimSpace(m)
		}

		facts.INN = ev.INN
		facts.OGRN = ev.OGRN
		facts.CompanyName = ev.CompanyName

		switch {
		case ev.INN != "":
			ev.Details = "operator requisites found (INN " + ev.INN + ")"
			return result(StageCompanyDetails, models.OutcomePassed, ev)
		case ev.CompanyName != "" || ev.OGRN != "":
			ev.Details = "partial operator requisites found, no INN"
			return result(StageCompanyDetails, models.OutcomeWarning, ev)
		default:
			ev.Details = "no operator requisites found on the page"
			return result(StageCompanyDetails, models.OutcomeFailed, ev)
		}
	}}
}
