// Package template resolves which template version a notification type uses
// and renders subject/body text by simple {{key}} substitution. Rendering is
// an SPI so deployments can swap in a real template engine.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Message kinds as stored in template paths.
const (
	KindEmail = "EMAIL"
	KindInApp = "IN_APP"
)

// ErrMissingVersion is returned when no version is configured for a
// template/kind pair. This is a configuration error: the dispatch must not
// guess a version.
var ErrMissingVersion = errors.New("no template version configured")

// Versions pins the active version per message kind for one template name.
type Versions struct {
	Email string
	InApp string
}

// Rendered is the output of a render pass.
type Rendered struct {
	Subject string
	Body    string
}

// Renderer turns a pinned template plus variables into displayable text.
type Renderer interface {
	Render(kind, name, version string, vars map[string]interface{}) (Rendered, error)
}

// Registry maps template names to their pinned versions.
type Registry struct {
	versions map[string]Versions
}

func NewRegistry(versions map[string]Versions) *Registry {
	if versions == nil {
		versions = map[string]Versions{}
	}
	return &Registry{versions: versions}
}

// Version returns the pinned version for the template/kind pair.
func (r *Registry) Version(kind, name string) (string, error) {
	v, ok := r.versions[name]
	if !ok {
		return "", fmt.Errorf("%w: template %q", ErrMissingVersion, name)
	}
	var version string
	switch kind {
	case KindEmail:
		version = v.Email
	case KindInApp:
		version = v.InApp
	default:
		return "", fmt.Errorf("unknown message kind %q", kind)
	}
	if version == "" {
		return "", fmt.Errorf("%w: template %q kind %s", ErrMissingVersion, name, kind)
	}
	return version, nil
}

// Path is the canonical storage path of a template artifact, e.g.
// "email/programme-created/v1.2.3".
func Path(kind, name, version string) string {
	return strings.ToLower(strings.ReplaceAll(kind, "_", "-")) + "/" + name + "/" + version
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Substitute replaces {{key}} placeholders with values from vars. Unknown
// keys render as empty strings.
func Substitute(text string, vars map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := vars[key]
		if !ok || val == nil {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

// builtin holds the default subject/body text per template name. Bodies are
// intentionally short; production deployments replace the renderer.
type builtin struct {
	subject string
	body    string
}

var builtins = map[string]builtin{
	"programme-created":         {"Your training programme has been confirmed", "Dear Doctor, your programme membership starting {{startDate}} has been confirmed."},
	"programme-day-one":         {"Your training programme starts today", "Dear Doctor, your programme starts today, {{startDate}}."},
	"programme-updated-week-12": {"Your training programme starts in 12 weeks", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-updated-week-8":  {"Your training programme starts in 8 weeks", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-updated-week-4":  {"Your training programme starts in 4 weeks", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-updated-week-2":  {"Your training programme starts in 2 weeks", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-updated-week-1":  {"Your training programme starts in 1 week", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-updated-week-0":  {"Your training programme starts this week", "Dear Doctor, your programme starts on {{startDate}}."},
	"programme-pog-month-12":    {"Period of grace: 12 months to your completion date", "Dear Doctor, your expected completion date is {{cctDate}}."},
	"programme-pog-month-6":     {"Period of grace: 6 months to your completion date", "Dear Doctor, your expected completion date is {{cctDate}}."},

	"placement-updated-week-12":         {"Your placement starts in 12 weeks", "Dear Doctor, your placement at {{site}} starts on {{startDate}}."},
	"placement-rollout-2024-correction": {"Correction to your placement details", "Dear Doctor, please review the corrected details for your placement starting {{startDate}}."},

	"e-portfolio":         {"Your e-portfolio account", "Your e-portfolio account will be created shortly."},
	"indemnity-insurance": {"Indemnity cover for your placement", "Check your indemnity arrangements before your placement starts."},
	"ltft":                {"Less than full time training", "Information about less than full time training is available from {{localOfficeContact}}."},
	"deferral":            {"Deferring your programme start", "Information about deferral is available from {{localOfficeContact}}."},
	"sponsorship":         {"Sponsorship for your training", "Information about sponsorship is available from {{localOfficeContact}}."},

	"gmc-updated":          {"Your GMC number has been updated", "Dear Doctor, your GMC number is now {{gmcNumber}}."},
	"gmc-rejected-lo":      {"A GMC update was rejected", "The GMC update for trainee {{tisId}} was rejected: {{reason}}."},
	"gmc-rejected-trainee": {"Your GMC update could not be applied", "Dear Doctor, your GMC details update was rejected: {{reason}}."},

	"ltft-approved":      {"Your LTFT application has been approved", "Dear Doctor, your application {{formRef}} has been approved."},
	"ltft-submitted":     {"Your LTFT application has been submitted", "Dear Doctor, your application {{formRef}} has been submitted."},
	"ltft-unsubmitted":   {"Your LTFT application has been unsubmitted", "Dear Doctor, your application {{formRef}} has been unsubmitted."},
	"ltft-withdrawn":     {"Your LTFT application has been withdrawn", "Dear Doctor, your application {{formRef}} has been withdrawn."},
	"ltft-updated":       {"Your LTFT application has been updated", "Dear Doctor, your application {{formRef}} has been updated."},
	"ltft-approved-tpd":  {"An LTFT application has been approved", "Application {{formRef}} for trainee {{tisId}} has been approved."},
	"ltft-submitted-tpd": {"An LTFT application has been submitted", "Application {{formRef}} for trainee {{tisId}} has been submitted."},
}

// BuiltinRenderer renders from the compiled-in template set, ignoring the
// version beyond requiring one to be present.
type BuiltinRenderer struct{}

func (BuiltinRenderer) Render(kind, name, version string, vars map[string]interface{}) (Rendered, error) {
	if version == "" {
		return Rendered{}, fmt.Errorf("%w: template %q kind %s", ErrMissingVersion, name, kind)
	}
	b, ok := builtins[name]
	if !ok {
		return Rendered{}, fmt.Errorf("unknown template %q", name)
	}
	return Rendered{
		Subject: Substitute(b.subject, vars),
		Body:    Substitute(b.body, vars),
	}, nil
}

// Subject renders just the display subject for a template name, used when
// broadcasting in-app records. Unknown names yield an empty subject.
func Subject(name string, vars map[string]interface{}) string {
	b, ok := builtins[name]
	if !ok {
		return ""
	}
	return Substitute(b.subject, vars)
}
