// Package recipient resolves who a notification goes to. Trainee details are
// merged from the identity store (authoritative email) and the profile
// service (names, GMC number, roles).
package recipient

import (
	"regexp"
	"strings"
)

// UserDetails is the merged view of a trainee used for addressing and
// template variables. Pointer fields are nil when the source had no value.
type UserDetails struct {
	Registered  bool
	Email       *string
	Title       *string
	FamilyName  *string
	GivenName   *string
	GmcNumber   *string
	LocalOffice *string
	Roles       []string
}

// CanReceiveEmail reports whether the trainee has a usable email address.
func (u *UserDetails) CanReceiveEmail() bool {
	return u != nil && u.Email != nil && *u.Email != ""
}

// Merge combines identity and profile records. The profile is the anchor: no
// profile means no resolvable trainee. The identity record wins for email and
// names when present; blank strings collapse to nil either way.
func Merge(identity, profile *UserDetails) *UserDetails {
	if profile == nil {
		return nil
	}

	out := &UserDetails{
		Title:       profile.Title,
		FamilyName:  profile.FamilyName,
		GivenName:   profile.GivenName,
		LocalOffice: profile.LocalOffice,
		Roles:       profile.Roles,
	}

	out.Email = normalize(profile.Email)
	if identity != nil {
		out.Registered = identity.Registered
		if email := normalize(identity.Email); email != nil {
			out.Email = email
		}
		if name := normalize(identity.FamilyName); name != nil {
			out.FamilyName = name
		}
		if name := normalize(identity.GivenName); name != nil {
			out.GivenName = name
		}
	}

	if profile.GmcNumber != nil {
		trimmed := strings.TrimSpace(*profile.GmcNumber)
		if trimmed != "" {
			out.GmcNumber = &trimmed
		}
	}

	return out
}

func normalize(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

var gmcPattern = regexp.MustCompile(`^[0-9]{7}$`)

// IsValidGmc reports whether the value is a well-formed GMC number: exactly
// seven digits, leading zeroes allowed.
func IsValidGmc(gmc *string) bool {
	return gmc != nil && gmcPattern.MatchString(*gmc)
}

// HasDummyRole reports whether any of the trainee's roles marks the record
// as a placeholder that must never be contacted.
func HasDummyRole(u *UserDetails, dummyRoles []string) bool {
	if u == nil {
		return false
	}
	for _, role := range u.Roles {
		for _, dummy := range dummyRoles {
			if strings.EqualFold(role, dummy) {
				return true
			}
		}
	}
	return false
}
