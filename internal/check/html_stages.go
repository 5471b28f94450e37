package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"express-audit/internal/models"
)

// Keyword sets for document detection. Russian terms first since the checker
// targets 152-FZ compliance; English fallbacks cover bilingual sites.
var (
	privacyLinkKeywords = []string{
		"политика конфиденциальности",
		"политика обработки персональных данных",
		"обработка персональных данных",
		"персональных данных",
		"privacy policy",
		"privacy",
	}
	privacyHrefKeywords = []string{
		"privacy", "policy", "personal-data", "personalnye-dannye", "konfidencial",
	}
	cookieKeywords = []string{
		"файлы cookie", "файлов cookie", "куки", "cookie", "cookies",
	}
	cookieConsentMarkers = []string{
		"согласие", "принять", "понятно", "accept", "agree", "consent", "ok",
	}
	consentTextKeywords = []string{
		"согласие на обработку", "согласен на обработку", "даю согласие",
		"обработку персональных данных", "consent to the processing",
	}
	personalDataInputs = []string{
		"email", "e-mail", "phone", "tel", "телефон", "name", "имя", "фио", "почта",
	}
)

// PrivacyPolicyStage looks for a privacy-policy document: a link whose text
// or href matches the policy vocabulary, or policy wording inline on the page.
func PrivacyPolicyStage() Stage {
	return StageFunc{StageName: StagePrivacyPolicy, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		var matchedHref, matchedText string

		snap.Doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			text := strings.ToLower(strings.TrimSpace(a.Text()))
			href, _ := a.Attr("href")
			lowerHref := strings.ToLower(href)
			for _, kw := range privacyLinkKeywords {
				if text != "" && strings.Contains(text, kw) {
					matchedHref, matchedText = href, strings.TrimSpace(a.Text())
					return false
				}
			}
			for _, kw := range privacyHrefKeywords {
				if lowerHref != "" && strings.Contains(lowerHref, kw) {
					matchedHref, matchedText = href, strings.TrimSpace(a.Text())
					return false
				}
			}
			return true
		})

		if matchedHref != "" || matchedText != "" {
			return result(StagePrivacyPolicy, models.OutcomePassed, models.Evidence{
				Details:     "privacy policy link found",
				MatchedURL:  matchedHref,
				MatchedText: matchedText,
			})
		}

		// No dedicated document, but the page at least mentions processing of
		// personal data.
		lowerText := strings.ToLower(snap.Text)
		for _, kw := range privacyLinkKeywords[:4] {
			if strings.Contains(lowerText, kw) {
				return result(StagePrivacyPolicy, models.OutcomeWarning, models.Evidence{
					Details:     "personal-data wording found but no policy document link",
					MatchedText: kw,
				})
			}
		}

		return result(StagePrivacyPolicy, models.OutcomeFailed, models.Evidence{
			Details: "no privacy policy found",
		})
	}}
}

// CookieBannerStage detects a cookie-consent banner: an element that mentions
// cookies and offers a consent action.
func CookieBannerStage() Stage {
	return StageFunc{StageName: StageCookieBanner, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		var bannerText string

		snap.Doc.Find("div, section, aside, dialog").EachWithBreak(func(_ int, el *goquery.Selection) bool {
			text := strings.ToLower(el.Text())
			if len(text) > 2000 {
				// Containers this large are page chrome, not a banner.
				return true
			}
			if !containsAny(text, cookieKeywords) {
				return true
			}
			if el.Find("button, a, input[type='button'], input[type='submit']").Length() > 0 || containsAny(text, cookieConsentMarkers) {
				bannerText = strings.TrimSpace(el.Text())
				return false
			}
			return true
		})

		if bannerText != "" {
			return result(StageCookieBanner, models.OutcomePassed, models.Evidence{
				Details:     "cookie consent banner found",
				MatchedText: clip(bannerText, 200),
			})
		}

		if containsAny(strings.ToLower(snap.Text), cookieKeywords) {
			return result(StageCookieBanner, models.OutcomeWarning, models.Evidence{
				Details: "cookies mentioned but no consent banner detected",
			})
		}

		return result(StageCookieBanner, models.OutcomeFailed, models.Evidence{
			Details: "no cookie consent banner found",
		})
	}}
}

// ConsentFormsStage verifies that forms collecting personal data carry a
// consent checkbox or explicit consent wording. A page without such forms
// passes: there is nothing to consent to.
func ConsentFormsStage() Stage {
	return StageFunc{StageName: StageConsentForms, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		var total, withConsent int

		snap.Doc.Find("form").Each(func(_ int, form *goquery.Selection) {
			if !collectsPersonalData(form) {
				return
			}
			total++
			if hasConsentControl(form) {
				withConsent++
			}
		})

		ev := models.Evidence{FormsTotal: total, FormsWithConsent: withConsent}
		switch {
		case total == 0:
			ev.Details = "no forms collecting personal data"
			return result(StageConsentForms, models.OutcomePassed, ev)
		case withConsent == total:
			ev.Details = fmt.Sprintf("all %d personal-data form(s) have consent controls", total)
			return result(StageConsentForms, models.OutcomePassed, ev)
		case withConsent > 0:
			ev.Details = fmt.Sprintf("%d of %d personal-data form(s) lack consent controls", total-withConsent, total)
			return result(StageConsentForms, models.OutcomeWarning, ev)
		default:
			ev.Details = fmt.Sprintf("none of %d personal-data form(s) have consent controls", total)
			return result(StageConsentForms, models.OutcomeFailed, ev)
		}
	}}
}

func collectsPersonalData(form *goquery.Selection) bool {
	collects := false
	form.Find("input, textarea").EachWithBreak(func(_ int, input *goquery.Selection) bool {
		typ, _ := input.Attr("type")
		if typ == "email" || typ == "tel" {
			collects = true
			return false
		}
		name, _ := input.Attr("name")
		placeholder, _ := input.Attr("placeholder")
		hay := strings.ToLower(name + " " + placeholder)
		if containsAny(hay, personalDataInputs) {
			collects = true
			return false
		}
		return true
	})
	return collects
}

func hasConsentControl(form *goquery.Selection) bool {
	if form.Find("input[type='checkbox']").Length() > 0 {
		return true
	}
	return containsAny(strings.ToLower(form.Text()), consentTextKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
