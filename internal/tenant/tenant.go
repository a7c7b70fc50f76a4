// Package tenant turns an invocation context into a stable tenant key.
package tenant

import (
	"net/url"
	"strings"
)

// InvocationContext is what the invoking platform knows about the caller.
type InvocationContext struct {
	CloudID        string `json:"cloudId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	InstallationID string `json:"installationId,omitempty"`
	SiteURL        string `json:"siteUrl,omitempty"`
}

// Source names the context field a tenant key came from.
type Source string

const (
	SourceCloudID        Source = "cloudId"
	SourceWorkspaceID    Source = "workspaceId"
	SourceInstallationID Source = "installationId"
	SourceSiteURL        Source = "siteUrl"
)

// Identity is a resolved tenant.
type Identity struct {
	Key     string
	CloudID string
	Source  Source
}

// Resolver resolves an invocation context to a tenant identity.
type Resolver interface {
	Resolve(ic InvocationContext) (Identity, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(InvocationContext) (Identity, bool)

func (f ResolverFunc) Resolve(ic InvocationContext) (Identity, bool) { return f(ic) }

// Default resolves with Resolve.
var Default Resolver = ResolverFunc(Resolve)

// Resolve picks the first non-blank identifier in the order cloudId, workspaceId,
// installationId, site host. A site URL without a scheme is read as https.
func Resolve(ic InvocationContext) (Identity, bool) {
	cloudID := strings.TrimSpace(ic.CloudID)

	candidates := []struct {
		value  string
		source Source
	}{
		{cloudID, SourceCloudID},
		{strings.TrimSpace(ic.WorkspaceID), SourceWorkspaceID},
		{strings.TrimSpace(ic.InstallationID), SourceInstallationID},
		{siteHost(ic.SiteURL), SourceSiteURL},
	}
	for _, c := range candidates {
		if c.value != "" {
			return Identity{Key: c.value, CloudID: cloudID, Source: c.source}, true
		}
	}
	return Identity{}, false
}

func siteHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
