package check

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"express-audit/internal/models"
)

// Stage names, in pipeline order.
const (
	StageConnection     = "connection"
	StageSSL            = "ssl"
	StagePrivacyPolicy  = "privacy_policy"
	StageCookieBanner   = "cookie_banner"
	StageConsentForms   = "consent_forms"
	StageCompanyDetails = "company_details"
	StageHosting        = "hosting"
	StageRegistry       = "rkn_registry"
)

// certExpiryWarning is how close to expiry a certificate may be before the
// ssl stage downgrades a pass to a warning.
const certExpiryWarning = 30 * 24 * time.Hour

// ConnectionStage grades the initial fetch. The fetch itself happened before
// the pipeline started; an unreachable site never gets this far.
func ConnectionStage() Stage {
	return StageFunc{StageName: StageConnection, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		ev := models.Evidence{
			StatusCode: snap.StatusCode,
			FinalURL:   snap.FinalURL,
		}
		switch {
		case snap.StatusCode >= http.StatusInternalServerError:
			ev.Details = fmt.Sprintf("site responded with HTTP %d", snap.StatusCode)
			return result(StageConnection, models.OutcomeFailed, ev)
		case snap.StatusCode >= http.StatusBadRequest:
			ev.Details = fmt.Sprintf("site responded with HTTP %d", snap.StatusCode)
			return result(StageConnection, models.OutcomeWarning, ev)
		default:
			ev.Details = "site reachable"
			return result(StageConnection, models.OutcomePassed, ev)
		}
	}}
}

// SSLStage checks that the site is served over TLS with a certificate that is
// currently valid and not about to expire.
func SSLStage() Stage {
	return StageFunc{StageName: StageSSL, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		if snap.TLS == nil || len(snap.TLS.PeerCertificates) == 0 {
			return result(StageSSL, models.OutcomeFailed, models.Evidence{
				Details: "no SSL certificate: site is served over plain HTTP",
			})
		}

		cert := snap.TLS.PeerCertificates[0]
		expires := cert.NotAfter
		ev := models.Evidence{
			CertIssuer:  cert.Issuer.CommonName,
			CertExpires: &expires,
		}

		now := time.Now()
		switch {
		case now.After(cert.NotAfter):
			ev.Details = "SSL certificate expired " + cert.NotAfter.Format("02.01.2006")
			return result(StageSSL, models.OutcomeFailed, ev)
		case now.Before(cert.NotBefore):
			ev.Details = "SSL certificate not yet valid"
			return result(StageSSL, models.OutcomeFailed, ev)
		case cert.NotAfter.Sub(now) < certExpiryWarning:
			ev.Details = "SSL certificate expires within 30 days"
			return result(StageSSL, models.OutcomeWarning, ev)
		default:
			ev.Details = "valid SSL certificate"
			return result(StageSSL, models.OutcomePassed, ev)
		}
	}}
}

// HostingStage records where the site is hosted. It is evidence-gathering for
// the 152-FZ data-localization requirement rather than a pass/fail check, so
// it only fails when the host could not be resolved at all.
func HostingStage() Stage {
	return StageFunc{StageName: StageHosting, Fn: func(_ context.Context, snap *Snapshot, _ *PageFacts) models.StageResult {
		info := &models.HostingInfo{
			Addresses:    snap.Addresses,
			ReverseNames: snap.ReverseNames,
			ServerHeader: snap.ServerHeader,
		}
		ev := models.Evidence{Hosting: info}
		if len(snap.Addresses) == 0 {
			ev.Details = "could not resolve hosting addresses"
			return result(StageHosting, models.OutcomeWarning, ev)
		}
		ev.Details = fmt.Sprintf("resolved %d address(es): %s", len(snap.Addresses), strings.Join(snap.Addresses, ", "))
		return result(StageHosting, models.OutcomePassed, ev)
	}}
}
