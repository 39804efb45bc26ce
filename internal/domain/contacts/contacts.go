// Package contacts looks up local-office contact points from the reference
// service and classifies them for template rendering. Lookups are
// best-effort: a reference-service outage degrades to the generic fallback
// text instead of blocking a notification.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Contact type names as published by the reference service.
const (
	TypeGmcUpdate                 = "GMC_UPDATE"
	TypeLtft                      = "LTFT"
	TypeLtftSupport               = "LTFT_SUPPORT"
	TypeSupportedReturnToTraining = "SUPPORTED_RETURN_TO_TRAINING"
	TypeTssSupport                = "TSS_SUPPORT"
	TypeDeferral                  = "DEFERRAL"
	TypeSponsorship               = "SPONSORSHIP"
)

// Href classifications used by templates to decide link rendering.
const (
	HrefURL     = "absolute-url"
	HrefEmail   = "email"
	HrefNonHref = "NON_HREF"
)

// DefaultContact is the fallback text when no usable contact exists.
const DefaultContact = "your local office"

// Contact is one contact point of a local office.
type Contact struct {
	Contact string `json:"contact"`
	Type    string `json:"contactTypeName"`
}

// LocalOfficeContact pairs a contact value with the office it belongs to.
type LocalOfficeContact struct {
	Contact     string `json:"contact"`
	LocalOffice string `json:"localOfficeName"`
}

// Directory answers local-office contact lookups.
type Directory interface {
	ListContacts(ctx context.Context, localOffice string) []Contact
}

// HTTPDirectory talks to the reference service.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPDirectory(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ListContacts returns the contact points of a local office. Any failure is
// logged and reported as an empty list so callers fall back to the default
// contact text.
func (d *HTTPDirectory) ListContacts(ctx context.Context, localOffice string) []Contact {
	if localOffice == "" {
		return nil
	}

	u := d.baseURL + "/api/local-office-contact-by-lo-name/" + url.PathEscape(localOffice)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		d.logger.Error().Err(err).Str("localOffice", localOffice).Msg("contact lookup request failed")
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error().Err(err).Str("localOffice", localOffice).Msg("contact lookup failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Error().Int("status", resp.StatusCode).Str("localOffice", localOffice).Msg("contact lookup failed")
		return nil
	}

	var contacts []Contact
	if err := json.NewDecoder(resp.Body).Decode(&contacts); err != nil {
		d.logger.Error().Err(err).Str("localOffice", localOffice).Msg("contact lookup decode failed")
		return nil
	}
	return contacts
}

// Resolve picks the contact of preferredType, falling back to fallbackType
// and finally to the generic default text.
func Resolve(contacts []Contact, preferredType, fallbackType string) string {
	for _, c := range contacts {
		if c.Type == preferredType && c.Contact != "" {
			return c.Contact
		}
	}
	if fallbackType != "" {
		for _, c := range contacts {
			if c.Type == fallbackType && c.Contact != "" {
				return c.Contact
			}
		}
	}
	return DefaultContact
}

// Classify reports how a contact value should be rendered: an absolute URL,
// a mailto-able email address, or plain text.
func Classify(contact string) string {
	if u, err := url.Parse(contact); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return HrefURL
	}
	if strings.Count(contact, "@") == 1 && !strings.HasPrefix(contact, "@") && !strings.HasSuffix(contact, "@") {
		return HrefEmail
	}
	return HrefNonHref
}

// CurriculumOffices is the minimal view of a trainee's postings used for the
// per-office contact listing.
type CurriculumOffices interface {
	LocalOffices(ctx context.Context, traineeID string) ([]string, error)
}

// ListTraineeContacts returns the contact of the given type for each of the
// trainee's local offices, de-duplicated by (contact, office) pair.
func ListTraineeContacts(ctx context.Context, dir Directory, offices CurriculumOffices, traineeID, contactType string) ([]LocalOfficeContact, error) {
	names, err := offices.LocalOffices(ctx, traineeID)
	if err != nil {
		return nil, fmt.Errorf("list local offices: %w", err)
	}

	seen := map[LocalOfficeContact]bool{}
	var out []LocalOfficeContact
	for _, office := range names {
		contact := Resolve(dir.ListContacts(ctx, office), contactType, "")
		loc := LocalOfficeContact{Contact: contact, LocalOffice: office}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, loc)
	}
	return out, nil
}
