package recipient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ProfileClient fetches the trainee profile record.
type ProfileClient interface {
	GetProfile(ctx context.Context, traineeID string) (*UserDetails, error)
}

// IdentityClient fetches the identity-store record for a trainee.
type IdentityClient interface {
	GetIdentity(ctx context.Context, traineeID string) (*UserDetails, error)
}

// EligibilityClient answers the rollout and kill-switch questions the
// planning rules depend on.
type EligibilityClient interface {
	IsValidRecipient(ctx context.Context, traineeID, messageKind string) (bool, error)
	IsMessagingEnabled(ctx context.Context, traineeID string) (bool, error)
	IsNewStarter(ctx context.Context, traineeID, refID string) (bool, error)
	IsPilot2024(ctx context.Context, traineeID, refID string) (bool, error)
	IsRollout2024(ctx context.Context, traineeID, refID string) (bool, error)
}

type userDTO struct {
	Registered  bool     `json:"registered"`
	Email       string   `json:"email"`
	Title       string   `json:"title"`
	FamilyName  string   `json:"familyName"`
	GivenName   string   `json:"givenName"`
	GmcNumber   string   `json:"gmcNumber"`
	LocalOffice string   `json:"localOfficeName"`
	Roles       []string `json:"roles"`
}

func (d *userDTO) toDetails() *UserDetails {
	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return &UserDetails{
		Registered:  d.Registered,
		Email:       opt(d.Email),
		Title:       opt(d.Title),
		FamilyName:  opt(d.FamilyName),
		GivenName:   opt(d.GivenName),
		GmcNumber:   opt(d.GmcNumber),
		LocalOffice: opt(d.LocalOffice),
		Roles:       d.Roles,
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return true, nil
}

// HTTPProfileClient talks to the trainee profile service.
type HTTPProfileClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProfileClient(baseURL string, timeout time.Duration) *HTTPProfileClient {
	return &HTTPProfileClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPProfileClient) GetProfile(ctx context.Context, traineeID string) (*UserDetails, error) {
	var dto userDTO
	found, err := getJSON(ctx, c.client, c.baseURL+"/api/trainee-profile/"+traineeID, &dto)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if !found {
		return nil, nil
	}
	return dto.toDetails(), nil
}

// HTTPIdentityClient talks to the identity store.
type HTTPIdentityClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPIdentityClient(baseURL string, timeout time.Duration) *HTTPIdentityClient {
	return &HTTPIdentityClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPIdentityClient) GetIdentity(ctx context.Context, traineeID string) (*UserDetails, error) {
	var dto userDTO
	found, err := getJSON(ctx, c.client, c.baseURL+"/api/identity/"+traineeID, &dto)
	if err != nil {
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	if !found {
		return nil, nil
	}
	return dto.toDetails(), nil
}

// HTTPEligibilityClient talks to the eligibility service.
type HTTPEligibilityClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEligibilityClient(baseURL string, timeout time.Duration) *HTTPEligibilityClient {
	return &HTTPEligibilityClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type boolDTO struct {
	Result bool `json:"result"`
}

func (c *HTTPEligibilityClient) check(ctx context.Context, path string) (bool, error) {
	var dto boolDTO
	found, err := getJSON(ctx, c.client, c.baseURL+path, &dto)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return dto.Result, nil
}

func (c *HTTPEligibilityClient) IsValidRecipient(ctx context.Context, traineeID, messageKind string) (bool, error) {
	return c.check(ctx, "/api/valid-recipient/"+traineeID+"?kind="+messageKind)
}

func (c *HTTPEligibilityClient) IsMessagingEnabled(ctx context.Context, traineeID string) (bool, error) {
	return c.check(ctx, "/api/messaging/enabled/"+traineeID)
}

func (c *HTTPEligibilityClient) IsNewStarter(ctx context.Context, traineeID, refID string) (bool, error) {
	return c.check(ctx, "/api/new-starter/"+traineeID+"/"+refID)
}

func (c *HTTPEligibilityClient) IsPilot2024(ctx context.Context, traineeID, refID string) (bool, error) {
	return c.check(ctx, "/api/pilot-2024/"+traineeID+"/"+refID)
}

func (c *HTTPEligibilityClient) IsRollout2024(ctx context.Context, traineeID, refID string) (bool, error) {
	return c.check(ctx, "/api/rollout-2024/"+traineeID+"/"+refID)
}

// Resolver merges identity and profile into the addressing view. Profile
// lookup failures propagate; identity failures degrade to profile-only
// details because the profile email is an acceptable fallback.
type Resolver struct {
	profile  ProfileClient
	identity IdentityClient
	logger   zerolog.Logger
}

func NewResolver(profile ProfileClient, identity IdentityClient, logger zerolog.Logger) *Resolver {
	return &Resolver{profile: profile, identity: identity, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, traineeID string) (*UserDetails, error) {
	profile, err := r.profile.GetProfile(ctx, traineeID)
	if err != nil {
		return nil, err
	}

	var identity *UserDetails
	if r.identity != nil {
		identity, err = r.identity.GetIdentity(ctx, traineeID)
		if err != nil {
			r.logger.Warn().Err(err).Str("traineeId", traineeID).Msg("identity lookup failed, using profile only")
			identity = nil
		}
	}

	return Merge(identity, profile), nil
}
