package gateway

import (
	"context"

	"github.com/doorman-project/doorman/internal/audit"
)

// Write-path invalidation helpers. The admin surface mutates entities
// through the store and then calls these so the next pipeline read
// refills from fresh data; each invalidation is audited.

func (a *App) InvalidateAPI(ctx context.Context, actor, name, version string) {
	a.invalidator.API(ctx, name, version)
	a.invalidator.Endpoint(ctx, name, version)
	a.auditInvalidate(actor, "api", name+"/"+version)
}

func (a *App) InvalidateUser(ctx context.Context, actor, username string) {
	a.invalidator.User(ctx, username)
	a.invalidator.Subscription(ctx, username)
	a.auditInvalidate(actor, "user", username)
}

func (a *App) InvalidateGroup(ctx context.Context, actor, group string) {
	a.invalidator.Group(ctx, group)
	a.auditInvalidate(actor, "group", group)
}

func (a *App) InvalidateRole(ctx context.Context, actor, role string) {
	a.invalidator.Role(ctx, role)
	a.auditInvalidate(actor, "role", role)
}

func (a *App) InvalidateRouting(ctx context.Context, actor, clientKey string) {
	a.invalidator.Routing(ctx, clientKey)
	a.auditInvalidate(actor, "routing", clientKey)
}

func (a *App) InvalidateCreditDef(ctx context.Context, actor, group string) {
	a.invalidator.CreditDef(ctx, group)
	a.auditInvalidate(actor, "credit_def", group)
}

func (a *App) auditInvalidate(actor, kind, target string) {
	a.audit.Record(audit.Entry{
		Actor:  actor,
		Action: "invalidate_" + kind,
		Target: target,
		Status: "ok",
	})
}
