// Package authz combines role, group, subscription, IP, geographic, and
// public-flag policy into a single allow/deny decision for a resolved
// API and caller.
package authz

import (
	"context"
	"net"
	"strings"

	"github.com/doorman-project/doorman/internal/auth"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/repo"
)

// GeoLookup resolves a client IP to an ISO country code. Empty string
// means unknown; unknown never denies.
type GeoLookup interface {
	CountryCode(ip string) string
}

// Resolver evaluates access policy.
type Resolver struct {
	repo             *repo.Repo
	geo              GeoLookup
	blockedCountries map[string]struct{}
}

// New creates a resolver. geo may be nil when no mmdb is configured.
func New(r *repo.Repo, geo GeoLookup, blockedCountries []string) *Resolver {
	blocked := make(map[string]struct{}, len(blockedCountries))
	for _, c := range blockedCountries {
		blocked[strings.ToUpper(c)] = struct{}{}
	}
	return &Resolver{repo: r, geo: geo, blockedCountries: blocked}
}

// Authorize returns nil to allow or a *errors.GatewayError to deny.
// Evaluation order is fixed: active, public, identity, IP policy, geo
// policy, role, group/subscription. Admin-role callers bypass role and
// subscription checks but not IP or geo rules.
func (rz *Resolver) Authorize(ctx context.Context, caller *auth.Claims, api *model.API, clientIP string) error {
	if !api.Active {
		return errors.ErrAPIInactive
	}

	// Public APIs skip identity, role, and subscription checks but keep
	// network policy.
	if api.Public {
		if err := rz.checkIP(api, clientIP); err != nil {
			return err
		}
		return rz.checkGeo(api, clientIP)
	}

	if caller == nil {
		return errors.ErrTokenMissing
	}

	if err := rz.checkIP(api, clientIP); err != nil {
		return err
	}
	if err := rz.checkGeo(api, clientIP); err != nil {
		return err
	}

	admin, err := rz.isGatewayAdmin(ctx, caller.Role)
	if err != nil {
		return err
	}

	if !admin {
		if !roleAllowed(api.AllowedRoles, caller.Role) {
			return errors.ErrRoleDenied
		}
		ok, err := rz.groupOrSubscriptionAllowed(ctx, caller.Subject, api)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrSubscriptionDenied
		}
	}
	return nil
}

// checkIP applies api_ip_mode against the allow/deny lists. Entries may
// be plain addresses or CIDR blocks.
func (rz *Resolver) checkIP(api *model.API, clientIP string) error {
	switch api.IPMode {
	case "", model.IPModeAllowAll:
		return nil
	case model.IPModeAllowListOnly:
		if !ipInList(clientIP, api.IPAllow) {
			return errors.ErrIPDenied
		}
		return nil
	case model.IPModeDenyList:
		if ipInList(clientIP, api.IPDeny) {
			return errors.ErrIPDenied
		}
		return nil
	default:
		return nil
	}
}

func (rz *Resolver) checkGeo(api *model.API, clientIP string) error {
	if rz.geo == nil {
		return nil
	}
	blocked := rz.blockedCountries
	if len(api.BlockedCountries) > 0 {
		blocked = make(map[string]struct{}, len(api.BlockedCountries))
		for _, c := range api.BlockedCountries {
			blocked[strings.ToUpper(c)] = struct{}{}
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	code := rz.geo.CountryCode(clientIP)
	if code == "" {
		return nil
	}
	if _, deny := blocked[strings.ToUpper(code)]; deny {
		return errors.ErrGeoDenied
	}
	return nil
}

// isGatewayAdmin reports whether the caller's role carries
// manage_gateway. The reserved admin role always qualifies even when
// its record is missing from the store.
func (rz *Resolver) isGatewayAdmin(ctx context.Context, roleName string) (bool, error) {
	if roleName == model.RoleAdmin {
		return true, nil
	}
	role, err := rz.repo.GetRole(ctx, roleName)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, 500, "ISE001", "role lookup failed")
	}
	return role.ManageGateway, nil
}

func (rz *Resolver) groupOrSubscriptionAllowed(ctx context.Context, username string, api *model.API) (bool, error) {
	// ALL in the API's allowed groups grants every authenticated user.
	for _, g := range api.AllowedGroups {
		if g == model.GroupAll {
			return true, nil
		}
	}

	user, err := rz.repo.GetUser(ctx, username)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, 500, "ISE001", "user lookup failed")
	}
	if !user.Active {
		return false, nil
	}

	// Direct membership in an allowed group.
	for _, g := range api.AllowedGroups {
		if user.InGroup(g) && g != model.GroupAll {
			return true, nil
		}
	}

	// A group the user belongs to may grant api_access explicitly.
	nv := api.NameVersion()
	for _, gname := range user.Groups {
		grp, err := rz.repo.GetGroup(ctx, gname)
		if err != nil {
			continue
		}
		for _, access := range grp.APIAccess {
			if access == nv {
				return true, nil
			}
		}
	}

	// Fall back to an explicit subscription.
	sub, err := rz.repo.GetSubscription(ctx, username)
	if err != nil {
		return false, errors.Wrap(err, 500, "ISE001", "subscription lookup failed")
	}
	return sub.Has(nv), nil
}

func roleAllowed(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// ipInList matches an address against plain addresses and CIDR blocks.
func ipInList(clientIP string, list []string) bool {
	ip := net.ParseIP(clientIP)
	for _, entry := range list {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && ip != nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entry == clientIP {
			return true
		}
	}
	return false
}
