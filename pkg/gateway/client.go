// Package gateway is the REST collaborator of the console core: one
// method per endpoint, PostgREST-style filters on the wire, and a
// uniform timeout-and-classify gate wrapping every JSON call.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/postgres-ai/platform-console/pkg/config"
)

type Client struct {
	http    *resty.Client
	timeout time.Duration
}

func NewClient(cfg config.APIConfig) *Client {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")

	return &Client{http: http, timeout: timeout}
}

func (c *Client) req(ctx context.Context, token string) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

// eq renders a PostgREST equality filter value.
func eq(v interface{}) string {
	return fmt.Sprintf("eq.%v", v)
}

// searchFilter renders the text-search filter for command history:
// single terms use a wildcard ilike, phrases use full text search.
// These strings are a de facto wire contract and must stay stable.
func searchFilter(query string) string {
	query = strings.TrimSpace(query)
	if strings.ContainsAny(query, " \t") {
		return fmt.Sprintf("(command.fts(simple).%s,message.fts(simple).%s)", query, query)
	}
	return fmt.Sprintf("(command.ilike.*%s*,message.ilike.*%s*)", query, query)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*resty.Response, error) {
	return c.req(ctx, "").
		SetBody(map[string]string{"email": email, "password": password}).
		Post("/rpc/sign_in")
}

func (c *Client) UserProfile(ctx context.Context, token string) (*resty.Response, error) {
	return c.req(ctx, token).Get("/rpc/get_user_profile")
}

func (c *Client) UpdateUserProfile(ctx context.Context, token, firstName, lastName string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetBody(map[string]string{"first_name": firstName, "last_name": lastName}).
		Post("/rpc/update_user_profile")
}

func (c *Client) Orgs(ctx context.Context, token string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"order": {"id.asc"}}).
		Get("/orgs")
}

func (c *Client) CreateOrg(ctx context.Context, token, name, alias string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetHeader("Prefer", "return=representation").
		SetBody(map[string]string{"name": name, "alias": alias}).
		Post("/orgs")
}

func (c *Client) UpdateOrg(ctx context.Context, token string, orgID int64, patch map[string]interface{}) (*resty.Response, error) {
	return c.req(ctx, token).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(url.Values{"id": {eq(orgID)}}).
		SetBody(patch).
		Patch("/orgs")
}

func (c *Client) OrgUsers(ctx context.Context, token string, orgID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"org_id": {eq(orgID)}}).
		Get("/rpc/get_org_users")
}

func (c *Client) AccessTokens(ctx context.Context, token string, orgID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{
			"org_id": {eq(orgID)},
			"order":  {"created_at.desc"},
		}).
		Get("/api_tokens")
}

func (c *Client) CreateAccessToken(ctx context.Context, token string, orgID int64, name, expiresAt string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetBody(map[string]interface{}{
			"org_id":     orgID,
			"name":       name,
			"expires_at": expiresAt,
		}).
		Post("/rpc/add_token")
}

func (c *Client) RevokeAccessToken(ctx context.Context, token string, orgID, id int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(url.Values{
			"id":     {eq(id)},
			"org_id": {eq(orgID)},
		}).
		Delete("/api_tokens")
}

func (c *Client) CheckupReports(ctx context.Context, token string, orgID, projectID, reportID int64) (*resty.Response, error) {
	params := url.Values{"org_id": {eq(orgID)}}
	if projectID > 0 {
		params.Set("project_id", eq(projectID))
	}
	if reportID > 0 {
		params.Set("id", eq(reportID))
	}
	params.Set("order", "id.desc")
	return c.req(ctx, token).
		SetQueryParamsFromValues(params).
		Get("/checkup_reports")
}

func (c *Client) CheckupReportFiles(ctx context.Context, token string, reportID int64, fileType string) (*resty.Response, error) {
	params := url.Values{
		"checkup_report_id": {eq(reportID)},
		"order":             {"filename.asc"},
	}
	if fileType != "" {
		params.Set("type", eq(fileType))
	}
	return c.req(ctx, token).
		SetHeader("Prefer", "count=exact").
		SetQueryParamsFromValues(params).
		Get("/checkup_report_files")
}

func (c *Client) DbLabInstances(ctx context.Context, token string, orgID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"org_id": {eq(orgID)}}).
		Get("/dblab_instances")
}

func (c *Client) CreateDbLabInstance(ctx context.Context, token string, orgID int64, project, instanceURL, sshTunnelToken string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetBody(map[string]interface{}{
			"org_id":       orgID,
			"project":      project,
			"url":          instanceURL,
			"ssh_tunnel":   sshTunnelToken != "",
			"tunnel_token": sshTunnelToken,
		}).
		Post("/rpc/dblab_instance_create")
}

func (c *Client) DestroyDbLabInstance(ctx context.Context, token string, instanceID string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(url.Values{"id": {eq(instanceID)}}).
		Delete("/dblab_instances")
}

func (c *Client) DbLabSessions(ctx context.Context, token string, instanceID string, limit int) (*resty.Response, error) {
	params := url.Values{
		"instance_id": {eq(instanceID)},
		"order":       {"started_at.desc"},
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.req(ctx, token).
		SetHeader("Prefer", "count=exact").
		SetQueryParamsFromValues(params).
		Get("/dblab_sessions")
}

func (c *Client) JoeInstances(ctx context.Context, token string, orgID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"org_id": {eq(orgID)}}).
		Get("/joe_instances")
}

func (c *Client) CreateJoeInstance(ctx context.Context, token string, orgID int64, project, signingSecret, instanceURL string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetBody(map[string]interface{}{
			"org_id":         orgID,
			"project":        project,
			"signing_secret": signingSecret,
			"url":            instanceURL,
		}).
		Post("/rpc/joe_instance_create")
}

func (c *Client) DestroyJoeInstance(ctx context.Context, token string, instanceID string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(url.Values{"id": {eq(instanceID)}}).
		Delete("/joe_instances")
}

func (c *Client) JoeSessionCommands(ctx context.Context, token string, instanceID string, query string, limit int) (*resty.Response, error) {
	params := url.Values{
		"joe_instance_id": {eq(instanceID)},
		"order":           {"id.desc"},
	}
	if query != "" {
		params.Set("or", searchFilter(query))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.req(ctx, token).
		SetHeader("Prefer", "count=exact").
		SetQueryParamsFromValues(params).
		Get("/joe_session_commands")
}

func (c *Client) JoeCommand(ctx context.Context, token string, instanceID, channelID, sessionID, command string) (*resty.Response, error) {
	return c.req(ctx, token).
		SetBody(map[string]interface{}{
			"instance_id": instanceID,
			"channel_id":  channelID,
			"session_id":  sessionID,
			"command":     command,
		}).
		Post("/rpc/joe_command")
}

func (c *Client) CommandArtifacts(ctx context.Context, token string, commandID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"command_id": {eq(commandID)}}).
		Get("/joe_command_artifacts")
}

func (c *Client) BillingUsage(ctx context.Context, token string, orgID int64) (*resty.Response, error) {
	return c.req(ctx, token).
		SetQueryParamsFromValues(url.Values{"org_id": {eq(orgID)}}).
		Get("/rpc/billing_data_usage")
}
