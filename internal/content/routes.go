package content

import (
	"net/url"
	"strings"
)

// Audience groups client routes by who may visit them.
type Audience string

const (
	AudiencePublic      Audience = "public"
	AudienceBeneficiary Audience = "beneficiary"
	AudienceAdmin       Audience = "admin"
)

// Page is one client-side route of the single page application.
type Page struct {
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Audience Audience `json:"audience"`
}

// Pages is the client route table. Order is navigation order.
var Pages = []Page{
	{Path: "/", Name: "home", Audience: AudiencePublic},
	{Path: "/about", Name: "about", Audience: AudiencePublic},
	{Path: "/projects", Name: "projects", Audience: AudiencePublic},
	{Path: "/services", Name: "services", Audience: AudiencePublic},
	{Path: "/testimonials", Name: "testimonials", Audience: AudiencePublic},
	{Path: "/blog", Name: "blog", Audience: AudiencePublic},
	{Path: "/contact", Name: "contact", Audience: AudiencePublic},
	{Path: "/login", Name: "login", Audience: AudiencePublic},
	{Path: "/signup", Name: "signup", Audience: AudiencePublic},
	{Path: "/confirm-account", Name: "confirm-account", Audience: AudiencePublic},
	{Path: "/reset-password", Name: "reset-password", Audience: AudiencePublic},
	{Path: "/admin/login", Name: "admin-login", Audience: AudiencePublic},
	{Path: "/admin/reset-password", Name: "admin-reset-password", Audience: AudiencePublic},
	{Path: "/admin/dashboard", Name: "admin-dashboard", Audience: AudienceAdmin},
	{Path: "/admin/surveys/new", Name: "survey-builder", Audience: AudienceAdmin},
	{Path: "/admin/campaigns", Name: "campaigns", Audience: AudienceAdmin},
	{Path: "/admin/export", Name: "export", Audience: AudienceAdmin},
	{Path: "/dashboard", Name: "dashboard", Audience: AudienceBeneficiary},
	{Path: "/profile", Name: "profile", Audience: AudienceBeneficiary},
	{Path: "/surveys", Name: "surveys", Audience: AudienceBeneficiary},
	{Path: "/survey/:id", Name: "survey", Audience: AudienceBeneficiary},
	{Path: "/chat", Name: "chat", Audience: AudiencePublic},
}

// MatchPage resolves a request path against the route table. ":param" segments
// match any single non-empty segment and a trailing slash is ignored.
func MatchPage(path string) (Page, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, p := range Pages {
		if matchPattern(p.Path, path) {
			return p, true
		}
	}
	return Page{}, false
}

func matchPattern(pattern, path string) bool {
	if pattern == path {
		return true
	}
	pp := strings.Split(pattern, "/")
	sp := strings.Split(path, "/")
	if len(pp) != len(sp) {
		return false
	}
	for i := range pp {
		if strings.HasPrefix(pp[i], ":") {
			if sp[i] == "" {
				return false
			}
			continue
		}
		if pp[i] != sp[i] {
			return false
		}
	}
	return true
}

// ConfirmAccountLink builds the link sent after signup.
func ConfirmAccountLink(baseURL, email, token string) string {
	q := "email=" + url.QueryEscape(email) + "&token=" + url.QueryEscape(token)
	return strings.TrimSuffix(baseURL, "/") + "/confirm-account?" + q
}
