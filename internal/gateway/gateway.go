package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/audit"
	"github.com/doorman-project/doorman/internal/auth"
	"github.com/doorman-project/doorman/internal/crypto"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/logging"
	"github.com/doorman-project/doorman/internal/metrics"
	"github.com/doorman-project/doorman/internal/middleware"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
	"github.com/doorman-project/doorman/internal/proxy/protocol/openapi"
	"github.com/doorman-project/doorman/internal/proxy/protocol/soap"
	"github.com/doorman-project/doorman/internal/ratelimit"
	"github.com/doorman-project/doorman/internal/repo"
	"github.com/doorman-project/doorman/internal/validation"
)

// StatusClientClosedRequest reports a caller that disconnected before
// the response could be written.
const StatusClientClosedRequest = 499

// routingKeyHeader selects a per-caller routing override. Absent the
// header, the authenticated username is tried.
const routingKeyHeader = "X-Client-Key"

// versionHeader carries the API version for the single-URL protocols.
const versionHeader = "X-API-Version"

// route is the parsed inbound URL.
type route struct {
	family  string // rest, soap, graphql, grpc
	apiType string // model APIType for family
	name    string
	version string
	rest    string // remainder path including leading slash
}

// familyTypes maps URL families to API types.
var familyTypes = map[string]string{
	"rest":    model.APITypeREST,
	"soap":    model.APITypeSOAP,
	"graphql": model.APITypeGraphQL,
	"grpc":    model.APITypeGRPC,
}

// parseRoute splits /api/{family}/{name}/{version}{rest}. GraphQL and
// gRPC omit the version segment and carry it in X-API-Version.
func parseRoute(r *http.Request) (*route, *errors.GatewayError) {
	path, ok := strings.CutPrefix(r.URL.Path, "/api/")
	if !ok {
		return nil, errors.ErrAPINotFound
	}
	parts := strings.SplitN(path, "/", 4)
	apiType, ok := familyTypes[strings.ToLower(parts[0])]
	if !ok || len(parts) < 2 || parts[1] == "" {
		return nil, errors.ErrAPINotFound
	}
	rt := &route{family: strings.ToLower(parts[0]), apiType: apiType, name: parts[1]}

	switch rt.apiType {
	case model.APITypeGraphQL, model.APITypeGRPC:
		rt.version = r.Header.Get(versionHeader)
		if rt.version == "" {
			return nil, errors.ErrAPINotFound.WithDetails("missing " + versionHeader + " header")
		}
		if len(parts) > 2 {
			rt.rest = "/" + strings.Join(parts[2:], "/")
		}
	default:
		if len(parts) < 3 || parts[2] == "" {
			return nil, errors.ErrAPINotFound
		}
		rt.version = parts[2]
		if len(parts) > 3 {
			rt.rest = "/" + parts[3]
		}
	}
	if rt.rest == "" {
		rt.rest = "/"
	}
	return rt, nil
}

// clientIP extracts the caller address, trusting the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleAPI runs the per-request pipeline. Steps are strictly
// sequential; the first terminal error responds and stops.
func (a *App) handleAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	reqID := middleware.RequestIDFromContext(ctx)

	rt, gerr := parseRoute(r)
	if gerr != nil {
		a.fail(w, r, nil, gerr, start, "", "")
		return
	}
	apiKey := rt.family + ":" + rt.name

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			a.auditBodyLimit(r)
			a.fail(w, r, nil, errors.ErrBodyTooLarge, start, apiKey, "")
			return
		}
		a.fail(w, r, nil, errors.ErrMalformedBody.WithDetails("body read failed"), start, apiKey, "")
		return
	}

	// Identify. A bad token is remembered but only terminal for
	// non-public APIs.
	var caller *auth.Claims
	var identErr *errors.GatewayError
	if tok := auth.ExtractToken(r); tok != "" {
		c, err := a.auth.Verify(ctx, tok)
		if err != nil {
			if ge, ok := errors.AsGatewayError(err); ok {
				identErr = ge
			} else {
				identErr = errors.ErrTokenInvalid
			}
		} else if c.Refresh {
			identErr = errors.ErrTokenInvalid.WithDetails("refresh token not accepted here")
		} else {
			caller = c
		}
	}
	username := ""
	if caller != nil {
		username = caller.Subject
	}

	// Resolve.
	api, err := a.repo.GetAPI(ctx, rt.name, rt.version)
	if err != nil {
		if stderrors.Is(err, repo.ErrNotFound) {
			a.fail(w, r, nil, errors.ErrAPINotFound, start, apiKey, username)
			return
		}
		a.fail(w, r, nil, errors.Wrap(err, 500, "ISE001", "api lookup failed"), start, apiKey, username)
		return
	}
	if api.Type != rt.apiType {
		a.fail(w, r, api, errors.ErrAPINotFound.WithDetails("api served under /"+strings.ToLower(api.Type)), start, apiKey, username)
		return
	}

	// Match endpoint.
	ep, gerr := a.matchEndpoint(ctx, api, r.Method, rt.rest)
	if gerr != nil {
		a.fail(w, r, api, gerr, start, apiKey, username)
		return
	}

	// Authorize.
	ip := clientIP(r)
	if !api.Public && caller == nil {
		if identErr == nil {
			identErr = errors.ErrTokenMissing
		}
		a.fail(w, r, api, identErr, start, apiKey, username)
		return
	}
	if err := a.authz.Authorize(ctx, caller, api, ip); err != nil {
		ge, ok := errors.AsGatewayError(err)
		if !ok {
			ge = errors.Wrap(err, 500, "ISE001", "authorization failed")
		}
		a.fail(w, r, api, ge, start, apiKey, username)
		return
	}

	var user *model.User
	if caller != nil {
		user, err = a.repo.GetUser(ctx, caller.Subject)
		if err != nil && !stderrors.Is(err, repo.ErrNotFound) {
			a.fail(w, r, api, errors.Wrap(err, 500, "ISE001", "user lookup failed"), start, apiKey, username)
			return
		}
	}

	// Rate / throttle / quota.
	var rate *ratelimit.Result
	if user != nil {
		res, err := a.limiter.Check(ctx, user)
		rate = res
		if err != nil {
			ge, ok := errors.AsGatewayError(err)
			if !ok {
				ge = errors.ErrRateLimited
			}
			if rate != nil {
				rate.SetHeaders(w.Header())
				w.Header().Set("Retry-After", strconv.FormatInt(rate.RetryAfter(time.Now()), 10))
			}
			a.fail(w, r, api, ge, start, apiKey, username)
			return
		}
		if res.Delay > 0 {
			select {
			case <-time.After(res.Delay):
			case <-ctx.Done():
				a.record(start, StatusClientClosedRequest, apiKey, username, endpointLabel(r.Method, rt.rest), int64(len(body)), 0)
				return
			}
		}
	}

	// Validate.
	if gerr := a.validateRequest(api, ep, body); gerr != nil {
		a.fail(w, r, api, gerr, start, apiKey, username)
		return
	}

	// Build the outbound request before credits so the selected key can
	// be attached.
	outReq := &protocol.Request{
		Method: r.Method,
		Path:   rt.rest,
		Query:  r.URL.Query(),
		Header: protocol.CopyHeaders(r.Header, []string{"Authorization", "Cookie", "Host"}),
		Body:   body,
	}

	// Credit precheck and outbound key selection.
	var creditGroup string
	if api.CreditsEnabled {
		gerr := a.applyCredits(ctx, caller, api, r, outReq)
		if gerr != nil {
			a.fail(w, r, api, gerr, start, apiKey, username)
			return
		}
		creditGroup = api.CreditGroup
	}

	// Routing override.
	routing, gerr := a.resolveRouting(ctx, r, caller)
	if gerr != nil {
		a.fail(w, r, api, gerr, start, apiKey, username)
		return
	}

	// Vault headers. Sealed values decrypt only here, at proxy time.
	if gerr := a.injectVaultHeaders(ctx, user, outReq); gerr != nil {
		a.fail(w, r, api, gerr, start, apiKey, username)
		return
	}

	// Dispatch. Request and response transforms run inside.
	resp, err := a.dispatcher.Dispatch(ctx, api, ep, routing, outReq)
	if err != nil {
		if ctx.Err() != nil {
			a.record(start, StatusClientClosedRequest, apiKey, username, endpointLabel(r.Method, rt.rest), int64(len(body)), 0)
			return
		}
		ge, ok := errors.AsGatewayError(err)
		if !ok {
			logging.Error("dispatch failed",
				zap.String("request_id", reqID),
				zap.String("api", api.NameVersion()),
				zap.Error(err))
			ge = errors.ErrInternal
		}
		a.fail(w, r, api, ge, start, apiKey, username)
		return
	}

	// Commit: credits decrement only when the upstream consumed quota.
	if creditGroup != "" && resp.Status < 500 {
		commitStatus := "ok"
		if err := a.credits.Commit(ctx, caller.Subject, creditGroup); err != nil {
			commitStatus = "failed"
			logging.Error("credit commit failed",
				zap.String("request_id", reqID),
				zap.String("user", caller.Subject),
				zap.String("group", creditGroup),
				zap.Error(err))
		}
		a.audit.Record(audit.Entry{
			RequestID: reqID,
			Actor:     caller.Subject,
			Action:    "credit_commit",
			Target:    creditGroup,
			Status:    commitStatus,
		})
	}

	// Respond.
	a.writeResponse(w, r, api, rate, resp)
	a.record(start, resp.Status, apiKey, username, endpointLabel(r.Method, rt.rest), int64(len(body)), int64(len(resp.Body)))
}

// matchEndpoint finds the configured endpoint for the request. An API
// with no configured endpoints first tries a schema-document import,
// then proxies as pure passthrough; one with endpoints requires a
// method+path match. GraphQL and gRPC collapse to their single
// well-known endpoint.
func (a *App) matchEndpoint(ctx context.Context, api *model.API, method, rest string) (*model.Endpoint, *errors.GatewayError) {
	eps, err := a.repo.ListEndpoints(ctx, api.Name, api.Version)
	if err != nil {
		return nil, errors.Wrap(err, 500, "ISE001", "endpoint lookup failed")
	}
	if len(eps) == 0 {
		eps, err = a.importEndpoints(ctx, api)
		if err != nil {
			return nil, errors.Wrap(err, 502, "UPS001", "schema import failed")
		}
		if len(eps) == 0 {
			return nil, nil
		}
	}
	switch api.Type {
	case model.APITypeGraphQL:
		method, rest = http.MethodPost, "/graphql"
	case model.APITypeGRPC:
		method, rest = http.MethodPost, "/grpc"
	}
	for i := range eps {
		if strings.EqualFold(eps[i].Method, method) && eps[i].URI == rest {
			return &eps[i], nil
		}
	}
	return nil, errors.ErrEndpointNotFound
}

// importEndpoints derives endpoints from a declared schema document:
// WSDL bindings for SOAP, OpenAPI paths for REST. Imports persist so
// later requests read the stored set.
func (a *App) importEndpoints(ctx context.Context, api *model.API) ([]model.Endpoint, error) {
	var eps []model.Endpoint
	switch {
	case api.Type == model.APITypeSOAP && api.WSDLURL != "":
		ops, err := soap.FetchWSDL(ctx, a.dispatcher.Client(), a.cache, api.WSDLURL)
		if err != nil {
			return nil, err
		}
		eps = soap.AutoImport(ops, api.Name, api.Version, nil)
	case api.Type == model.APITypeREST && api.OpenAPIURL != "":
		ops, err := openapi.Fetch(ctx, a.dispatcher.Client(), a.cache, api.OpenAPIURL)
		if err != nil {
			return nil, err
		}
		eps = openapi.AutoImport(ops, api.Name, api.Version, nil)
	default:
		return nil, nil
	}
	for i := range eps {
		doc, err := model.Encode(eps[i])
		if err != nil {
			return nil, err
		}
		if err := a.store.InsertOne(ctx, model.CollEndpoints, doc); err != nil {
			return nil, err
		}
	}
	if len(eps) > 0 {
		a.invalidator.Endpoint(ctx, api.Name, api.Version)
		logging.Info("endpoints imported from schema document",
			zap.String("api", api.NameVersion()),
			zap.Int("count", len(eps)))
	}
	return eps, nil
}

// injectVaultHeaders attaches the caller's decrypted vault values as
// outbound headers keyed by key_name.
func (a *App) injectVaultHeaders(ctx context.Context, user *model.User, outReq *protocol.Request) *errors.GatewayError {
	if user == nil {
		return nil
	}
	entries, err := a.repo.ListVaultEntries(ctx, user.Username)
	if err != nil {
		return errors.Wrap(err, 500, "ISE001", "vault lookup failed")
	}
	if len(entries) == 0 {
		return nil
	}
	sealer, err := crypto.NewVaultSealer(sealingKey(a.Config()), user.Email, user.Username)
	if err != nil {
		return errors.Wrap(err, 500, "ISE001", "vault key derivation failed")
	}
	for _, e := range entries {
		val, err := sealer.OpenString(e.EncryptedValue)
		if err != nil {
			return errors.Wrap(err, 500, "ISE001", "vault entry unreadable")
		}
		outReq.Header.Set(e.KeyName, val)
	}
	return nil
}

// auditBodyLimit records an oversized-body rejection, for both the
// declared-length and chunked abort paths.
func (a *App) auditBodyLimit(r *http.Request) {
	details := "chunked body exceeded cap"
	if r.ContentLength >= 0 {
		details = "declared " + strconv.FormatInt(r.ContentLength, 10) + " bytes"
	}
	a.audit.Record(audit.Entry{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Actor:     clientIP(r),
		Action:    "body_limit_reject",
		Target:    r.URL.Path,
		Status:    "rejected",
		Details:   details,
	})
}

// compiledSchema returns the cached compiled form of an endpoint's
// validation schema, recompiling when the stored text changed.
type compiledSchema struct {
	raw string
	c   *validation.Compiled
}

func (a *App) compiledSchema(ep *model.Endpoint) (*validation.Compiled, error) {
	if v, ok := a.schemas.Load(ep.ID); ok {
		cs := v.(*compiledSchema)
		if cs.raw == ep.ValidationSchema {
			return cs.c, nil
		}
	}
	c, err := validation.ParseSchema(ep.ValidationSchema)
	if err != nil {
		return nil, err
	}
	a.schemas.Store(ep.ID, &compiledSchema{raw: ep.ValidationSchema, c: c})
	return c, nil
}

// validateRequest applies the endpoint schema to the protocol-shaped
// body.
func (a *App) validateRequest(api *model.API, ep *model.Endpoint, body []byte) *errors.GatewayError {
	if ep == nil || ep.ValidationSchema == "" {
		return nil
	}
	compiled, err := a.compiledSchema(ep)
	if err != nil {
		return errors.Wrap(err, 500, "ISE001", "validation schema unusable")
	}

	var shaped map[string]any
	switch api.Type {
	case model.APITypeSOAP:
		shaped, err = validation.SOAPBody(body)
		if err != nil {
			return errors.ErrMalformedBody.WithDetails(err.Error())
		}
	case model.APITypeGraphQL:
		op, vars, err := validation.GraphQLShape(body)
		if err != nil {
			return errors.ErrMalformedBody.WithDetails(err.Error())
		}
		shaped = map[string]any{op: vars}
	default:
		if err := json.Unmarshal(body, &shaped); err != nil {
			return errors.ErrMalformedBody.WithDetails("request body is not valid JSON")
		}
	}

	if err := compiled.Validate(shaped); err != nil {
		if ge, ok := errors.AsGatewayError(err); ok {
			return ge
		}
		return errors.ErrValidationFailed.WithDetails(err.Error())
	}
	return nil
}

// applyCredits runs the precheck and attaches the outbound key. A key
// presented by the caller must match the group's accepted set.
func (a *App) applyCredits(ctx context.Context, caller *auth.Claims, api *model.API, r *http.Request, outReq *protocol.Request) *errors.GatewayError {
	if caller == nil {
		return errors.ErrTokenMissing
	}
	if _, err := a.credits.Precheck(ctx, caller.Subject, api.CreditGroup); err != nil {
		if ge, ok := errors.AsGatewayError(err); ok {
			return ge
		}
		return errors.Wrap(err, 500, "ISE001", "credit precheck failed")
	}
	def, err := a.repo.GetCreditDef(ctx, api.CreditGroup)
	if err != nil {
		return errors.Wrap(err, 500, "ISE001", "credit group lookup failed")
	}
	header := def.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	now := time.Now()
	if presented := r.Header.Get(header); presented != "" {
		if !a.credits.AcceptInbound(def, presented, now) {
			return errors.ErrInsufficientCredits.WithDetails("presented api key not accepted")
		}
	}
	key, err := a.credits.SelectKey(def, now)
	if err != nil {
		if ge, ok := errors.AsGatewayError(err); ok {
			return ge
		}
		return errors.Wrap(err, 500, "ISE001", "credit key selection failed")
	}
	outReq.Header.Set(header, key)
	return nil
}

// resolveRouting loads the caller's routing override, keyed by the
// X-Client-Key header or, absent one, the username.
func (a *App) resolveRouting(ctx context.Context, r *http.Request, caller *auth.Claims) (*model.Routing, *errors.GatewayError) {
	key := r.Header.Get(routingKeyHeader)
	if key == "" && caller != nil {
		key = caller.Subject
	}
	if key == "" {
		return nil, nil
	}
	routing, err := a.repo.GetRouting(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, 500, "ISE001", "routing lookup failed")
	}
	return routing, nil
}

// writeResponse relays the upstream answer, or wraps it when strict
// envelope mode is on.
func (a *App) writeResponse(w http.ResponseWriter, r *http.Request, api *model.API, rate *ratelimit.Result, resp *protocol.Response) {
	h := w.Header()
	for k, vs := range protocol.CopyHeaders(resp.Header, nil) {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	a.cors.SetHeaders(w, r.Header.Get("Origin"), api.CORSAllowOrigins)
	rate.SetHeaders(h)

	if a.Config().Features.StrictResponseEnvelope {
		writeStrict(w, resp.Status, resp.Body, nil)
		return
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// fail responds with an error envelope and records the sample.
func (a *App) fail(w http.ResponseWriter, r *http.Request, api *model.API, ge *errors.GatewayError, start time.Time, apiKey, username string) {
	reqID := middleware.RequestIDFromContext(r.Context())
	ge = ge.WithRequestID(reqID)
	if api != nil {
		a.cors.SetHeaders(w, r.Header.Get("Origin"), api.CORSAllowOrigins)
	}
	if ge.Status >= 500 {
		logging.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("code", ge.ErrorCode),
			zap.Error(ge))
	}
	if a.Config().Features.StrictResponseEnvelope {
		writeStrict(w, ge.Status, nil, ge)
	} else {
		ge.WriteJSON(w)
	}
	a.record(start, ge.Status, apiKey, username, "", r.ContentLength, 0)
}

// strictEnvelope is the uniform wrapper returned with HTTP 200 when
// strict mode is enabled.
type strictEnvelope struct {
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Message    string          `json:"error_message,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

func writeStrict(w http.ResponseWriter, status int, body []byte, ge *errors.GatewayError) {
	env := strictEnvelope{StatusCode: status}
	if ge != nil {
		env.ErrorCode = ge.ErrorCode
		env.Message = ge.Message
		env.RequestID = ge.RequestID
	} else if json.Valid(body) {
		env.Response = body
	} else if len(body) > 0 {
		quoted, _ := json.Marshal(string(body))
		env.Response = quoted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(env)
}

// endpointLabel is the metrics endpoint key.
func endpointLabel(method, rest string) string {
	return method + " " + rest
}

// record emits the metrics sample for one finished request.
func (a *App) record(start time.Time, status int, apiKey, username, endpoint string, bytesIn, bytesOut int64) {
	if bytesIn < 0 {
		bytesIn = 0
	}
	a.metrics.Record(metrics.Sample{
		Status:   status,
		Duration: time.Since(start),
		Username: username,
		APIKey:   apiKey,
		Endpoint: endpoint,
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	})
}
