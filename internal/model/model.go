// Package model defines the typed records stored by the config store.
// Documents travel through the store facade as map[string]any; Encode
// and Decode convert between the two shapes.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names.
const (
	CollAPIs          = "apis"
	CollEndpoints     = "endpoints"
	CollUsers         = "users"
	CollRoles         = "roles"
	CollGroups        = "groups"
	CollSubscriptions = "subscriptions"
	CollRoutings      = "routings"
	CollCreditDefs    = "credit_defs"
	CollUserCredits   = "user_credits"
	CollVault         = "vault"
)

// Collections lists every persistent collection, in snapshot order.
var Collections = []string{
	CollAPIs, CollEndpoints, CollUsers, CollRoles, CollGroups,
	CollSubscriptions, CollRoutings, CollCreditDefs, CollUserCredits,
	CollVault,
}

// API types.
const (
	APITypeREST    = "REST"
	APITypeSOAP    = "SOAP"
	APITypeGraphQL = "GraphQL"
	APITypeGRPC    = "gRPC"
)

// IP filter modes.
const (
	IPModeAllowAll      = "allow_all"
	IPModeAllowListOnly = "allow_list_only"
	IPModeDenyList      = "deny_list"
)

// GroupAll is the synthetic group granting access to every active API.
const GroupAll = "ALL"

// RoleAdmin is the reserved administrative role.
const RoleAdmin = "admin"

// API describes a fronted upstream service.
type API struct {
	ID                string           `json:"api_id"`
	Name              string           `json:"api_name"`
	Version           string           `json:"api_version"`
	Type              string           `json:"api_type"`
	Servers           []string         `json:"api_servers"`
	AllowedRetryCount int              `json:"api_allowed_retry_count"`
	AllowedRoles      []string         `json:"api_allowed_roles"`
	AllowedGroups     []string         `json:"api_allowed_groups"`
	Public            bool             `json:"api_public"`
	Active            bool             `json:"api_active"`
	CreditsEnabled    bool             `json:"api_credits_enabled"`
	CreditGroup       string           `json:"api_credit_group,omitempty"`
	IPMode            string           `json:"api_ip_mode,omitempty"`
	IPAllow           []string         `json:"api_ip_allow,omitempty"`
	IPDeny            []string         `json:"api_ip_deny,omitempty"`
	CORSAllowOrigins  []string         `json:"api_cors_allow_origins,omitempty"`
	WSDLURL           string           `json:"api_wsdl_url,omitempty"`
	GRPCPackage       string           `json:"api_grpc_package,omitempty"`
	OpenAPIURL        string           `json:"api_openapi_url,omitempty"`
	Transform         *TransformConfig `json:"api_transform,omitempty"`
	DynamicAttributes map[string]any   `json:"dynamic_attributes,omitempty"`
	SOAPCredentials   *SOAPCredentials `json:"api_soap_credentials,omitempty"`
	BlockedCountries  []string         `json:"api_blocked_countries,omitempty"`
}

// Path synthesizes the canonical "/{name}/{version}" lookup key.
func (a *API) Path() string {
	return "/" + a.Name + "/" + a.Version
}

// NameVersion returns "{name}/{version}" as used by groups and subscriptions.
func (a *API) NameVersion() string {
	return a.Name + "/" + a.Version
}

// Validate enforces config-time API invariants.
func (a *API) Validate() error {
	if a.Name == "" || a.Version == "" {
		return fmt.Errorf("api_name and api_version are required")
	}
	if a.Public && a.CreditsEnabled {
		return fmt.Errorf("api %s: api_public and api_credits_enabled are mutually exclusive", a.NameVersion())
	}
	if len(a.Servers) == 0 {
		return fmt.Errorf("api %s: at least one server is required", a.NameVersion())
	}
	switch a.Type {
	case APITypeREST, APITypeSOAP, APITypeGraphQL, APITypeGRPC:
	default:
		return fmt.Errorf("api %s: unknown api_type %q", a.NameVersion(), a.Type)
	}
	return nil
}

// SOAPCredentials configures WS-Security injection for SOAP dispatch.
type SOAPCredentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	PasswordType string `json:"password_type"` // text, digest, digest_sha256
	UseNonce     bool   `json:"use_nonce"`
}

// Endpoint is a single invokable operation of an API.
type Endpoint struct {
	ID                string           `json:"endpoint_id"`
	APIName           string           `json:"api_name"`
	APIVersion        string           `json:"api_version"`
	Method            string           `json:"endpoint_method"`
	URI               string           `json:"endpoint_uri"`
	SOAPAction        string           `json:"endpoint_soap_action,omitempty"`
	ValidationSchema  string           `json:"validation_schema,omitempty"`
	Transform         *TransformConfig `json:"endpoint_transform,omitempty"`
	DynamicAttributes map[string]any   `json:"dynamic_attributes,omitempty"`
}

// Key returns the unique endpoint key within an API.
func (e *Endpoint) Key() string {
	return e.Method + " " + e.URI
}

// TransformConfig declares request and response rewrites applied during
// dispatch. API-level transforms run first, endpoint-level second.
type TransformConfig struct {
	Request  *DirectionTransform `json:"request,omitempty"`
	Response *DirectionTransform `json:"response,omitempty"`
}

// DirectionTransform rewrites one direction of a proxied exchange.
type DirectionTransform struct {
	Headers   *HeaderTransform `json:"headers,omitempty"`
	Body      *BodyTransform   `json:"body,omitempty"`
	Query     *QueryTransform  `json:"query,omitempty"`
	StatusMap map[string]int   `json:"status_map,omitempty"` // "503" -> 200
}

// HeaderTransform adds, removes, and renames headers.
type HeaderTransform struct {
	Add    map[string]string `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
	Rename map[string]string `json:"rename,omitempty"`
}

// BodyTransform rewrites body fields addressed by gjson/sjson paths.
type BodyTransform struct {
	Add    map[string]any    `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
	Rename map[string]string `json:"rename,omitempty"`
	Wrap   string            `json:"wrap,omitempty"` // wrap entire body under this field
}

// QueryTransform adds, removes, and renames query parameters.
type QueryTransform struct {
	Add    map[string]string `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
	Rename map[string]string `json:"rename,omitempty"`
}

// User is a gateway caller.
type User struct {
	Username           string         `json:"username"`
	Email              string         `json:"email"`
	PasswordHash       string         `json:"password_hash"`
	Role               string         `json:"role"`
	Groups             []string       `json:"groups"`
	Active             bool           `json:"active"`
	UIAccess           bool           `json:"ui_access"`
	Tier               string         `json:"tier,omitempty"`
	QuotaPerDay        int            `json:"quota_per_day,omitempty"`
	QuotaPerMonth      int            `json:"quota_per_month,omitempty"`
	RateLimitDuration  int            `json:"rate_limit_duration,omitempty"`
	RateLimitUnit      string         `json:"rate_limit_duration_type,omitempty"` // second, minute, hour, day
	ThrottleDuration   int            `json:"throttle_duration,omitempty"`        // allowed requests per window
	ThrottleUnit       string         `json:"throttle_duration_type,omitempty"`
	ThrottleWaitMS     int            `json:"throttle_wait_duration_ms,omitempty"`
	ThrottleQueueLimit int            `json:"throttle_queue_limit,omitempty"`
	CustomAttributes   map[string]any `json:"custom_attributes,omitempty"`
}

// InGroup reports group membership; every user implicitly carries ALL.
func (u *User) InGroup(group string) bool {
	if group == GroupAll {
		return true
	}
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Role carries the boolean management permissions.
type Role struct {
	Name                string `json:"role_name"`
	ManageAPIs          bool   `json:"manage_apis"`
	ManageEndpoints     bool   `json:"manage_endpoints"`
	ManageUsers         bool   `json:"manage_users"`
	ManageRoles         bool   `json:"manage_roles"`
	ManageGroups        bool   `json:"manage_groups"`
	ManageSubscriptions bool   `json:"manage_subscriptions"`
	ManageCredits       bool   `json:"manage_credits"`
	ManageSecurity      bool   `json:"manage_security"`
	ManageGateway       bool   `json:"manage_gateway"`
	ManageRoutings      bool   `json:"manage_routings"`
	ViewLogs            bool   `json:"view_logs"`
	ExportLogs          bool   `json:"export_logs"`
	ManageAuth          bool   `json:"manage_auth"`
}

// Group grants access to a set of APIs by "{name}/{version}".
type Group struct {
	Name      string   `json:"group_name"`
	APIAccess []string `json:"api_access"`
}

// Subscription lists the "{name}/{version}" APIs a user may invoke.
type Subscription struct {
	Username string   `json:"username"`
	APIs     []string `json:"apis"`
}

// Has reports whether the subscription covers nameVersion.
func (s *Subscription) Has(nameVersion string) bool {
	for _, a := range s.APIs {
		if a == nameVersion {
			return true
		}
	}
	return false
}

// Routing steers a caller identified by client_key to a specific server
// list or header injection set.
type Routing struct {
	ClientKey     string            `json:"client_key"`
	Servers       []string          `json:"routing_servers,omitempty"`
	InjectHeaders map[string]string `json:"routing_headers,omitempty"`
}

// CreditTier is one priced tier of a credit group.
type CreditTier struct {
	Name           string `json:"tier_name"`
	Credits        int64  `json:"credits"`
	InputLimit     int    `json:"input_limit"`
	OutputLimit    int    `json:"output_limit"`
	ResetFrequency string `json:"reset_frequency"`
}

// CreditDef defines a metered API credit group. Both keys are stored
// AEAD-encrypted; rotation semantics are evaluated against wall time.
type CreditDef struct {
	Group           string       `json:"api_credit_group"`
	APIKey          string       `json:"api_key"`     // encrypted
	APIKeyNew       string       `json:"api_key_new"` // encrypted
	RotationStart   time.Time    `json:"api_key_rotation_start,omitempty"`
	RotationExpires time.Time    `json:"api_key_rotation_expires,omitempty"`
	APIKeyHeader    string       `json:"api_key_header"`
	Tiers           []CreditTier `json:"credit_tiers"`
}

// UserCreditEntry is one user's balance within a credit group.
type UserCreditEntry struct {
	Tier             string    `json:"tier_name"`
	AvailableCredits int64     `json:"available_credits"`
	ResetDate        time.Time `json:"reset_date,omitempty"`
	UserAPIKey       string    `json:"user_api_key,omitempty"` // encrypted
}

// UserCredits maps credit groups to balances for one user.
type UserCredits struct {
	Username string                     `json:"username"`
	Groups   map[string]UserCreditEntry `json:"groups"`
}

// VaultEntry is a per-user encrypted secret.
type VaultEntry struct {
	Username       string `json:"username"`
	KeyName        string `json:"key_name"`
	EncryptedValue string `json:"encrypted_value"`
}

// Encode converts a typed record to a store document.
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode converts a store document into a typed record.
func Decode(doc map[string]any, out any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
