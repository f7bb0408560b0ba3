package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	xgithub "golang.org/x/oauth2/github"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/userinfo"
)

const (
	githubAPIURL    = "https://api.github.com"
	githubScopeMail = "user:email"
	githubScopeOrgs = "read:org"
)

// githubRP is the GitHub OAuth alternative to the upstream OIDC rp.Provider,
// spec.md §6's `github: {...}` block. Grounded on dex's
// connector/github.githubConnector, trimmed to the single organization/teams
// restriction this gateway's config supports (dex's legacy org/orgs split is
// not carried forward).
type githubRP struct {
	clientID     string
	clientSecret string
	redirectURI  string
	org          string
	teams        []string
	client       *http.Client
}

// GitHubConfig configures a githubRP, spec.md §6's GitHubProvider fields.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Organization string
	Teams        []string
}

// NewGitHubRP builds the GitHub OAuth upstream from cfg.
func NewGitHubRP(cfg GitHubConfig) *githubRP {
	return &githubRP{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		org:          cfg.Organization,
		teams:        cfg.Teams,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *githubRP) oauth2Config() *oauth2.Config {
	scopes := []string{githubScopeMail}
	if g.org != "" {
		scopes = append(scopes, githubScopeOrgs)
	}
	return &oauth2.Config{
		ClientID:     g.clientID,
		ClientSecret: g.clientSecret,
		Endpoint:     xgithub.Endpoint,
		RedirectURL:  g.redirectURI,
		Scopes:       scopes,
	}
}

// LoginURL builds the GitHub authorization URL for state.
func (g *githubRP) LoginURL(state string) string {
	return g.oauth2Config().AuthCodeURL(state)
}

type githubUser struct {
	Name  string `json:"name"`
	Login string `json:"login"`
	ID    int    `json:"id"`
	Email string `json:"email"`
}

type githubUserEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

// HandleCallback redeems code at GitHub's token endpoint, fetches the
// user's profile and primary email, and enforces the configured
// organization/team restriction, spec.md §6.
func (g *githubRP) HandleCallback(ctx context.Context, code string) (userinfo.Claims, error) {
	var claims userinfo.Claims

	tok, err := g.oauth2Config().Exchange(ctx, code)
	if err != nil {
		return claims, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to redeem GitHub authorization code", err)
	}
	client := g.oauth2Config().Client(ctx, tok)

	user, err := g.fetchUser(ctx, client)
	if err != nil {
		return claims, err
	}

	username := user.Name
	if username == "" {
		username = user.Login
	}
	claims.Username = user.Login
	claims.Name = username
	claims.Email = user.Email
	if claims.Email == "" {
		email, err := g.fetchPrimaryEmail(ctx, client)
		if err != nil {
			return claims, err
		}
		claims.Email = email
	}
	claims.UID = strconv.Itoa(user.ID)

	if g.org != "" {
		groups, err := g.groupsForOrg(ctx, client, user.Login)
		if err != nil {
			return claims, err
		}
		claims.Groups = groups
	}

	return claims, nil
}

func (g *githubRP) fetchUser(ctx context.Context, client *http.Client) (githubUser, error) {
	var user githubUser
	if err := githubGet(ctx, client, githubAPIURL+"/user", &user); err != nil {
		return user, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to fetch GitHub user profile", err)
	}
	return user, nil
}

func (g *githubRP) fetchPrimaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []githubUserEmail
	if err := githubGet(ctx, client, githubAPIURL+"/user/emails", &emails); err != nil {
		return "", gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to fetch GitHub user emails", err)
	}
	for _, e := range emails {
		if e.Verified && e.Primary {
			return e.Email, nil
		}
	}
	return "", gwerrors.New(gwerrors.KindExternalUserInfo, "GitHub account has no verified primary email")
}

// groupsForOrg checks the configured organization's membership, then
// returns the subset of the user's teams within it restricted to the
// configured team allowlist (empty allowlist means any team, or none, is
// fine as long as the user is in the org).
func (g *githubRP) groupsForOrg(ctx context.Context, client *http.Client, username string) ([]string, error) {
	member, err := g.userInOrg(ctx, client, username)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, gwerrors.New(gwerrors.KindExternalUserInfo, fmt.Sprintf("user %q is not a member of the required organization", username))
	}

	teams, err := g.userTeams(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(g.teams) == 0 {
		return teams, nil
	}
	allowed := make(map[string]struct{}, len(g.teams))
	for _, t := range g.teams {
		allowed[t] = struct{}{}
	}
	var filtered []string
	for _, t := range teams {
		if _, ok := allowed[t]; ok {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return nil, gwerrors.New(gwerrors.KindExternalUserInfo, fmt.Sprintf("user %q is not on any required team", username))
	}
	return filtered, nil
}

func (g *githubRP) userInOrg(ctx context.Context, client *http.Client, username string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/orgs/%s/members/%s", githubAPIURL, g.org, username), nil)
	if err != nil {
		return false, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to build GitHub org membership request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to check GitHub org membership", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusNoContent, nil
}

type githubTeam struct {
	Slug string `json:"slug"`
	Org  struct {
		Login string `json:"login"`
	} `json:"organization"`
}

func (g *githubRP) userTeams(ctx context.Context, client *http.Client) ([]string, error) {
	var teams []githubTeam
	if err := githubGet(ctx, client, githubAPIURL+"/user/teams", &teams); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to fetch GitHub team memberships", err)
	}
	var result []string
	for _, t := range teams {
		if t.Org.Login == g.org {
			result = append(result, t.Slug)
		}
	}
	return result, nil
}

func githubGet(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github: unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
