// Package credits meters access to credit-enabled APIs. Balances live
// in the user_credits collection; the outbound API key of a credit
// group is stored AEAD-encrypted and decrypted only at dispatch time.
package credits

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"time"

	"github.com/doorman-project/doorman/internal/crypto"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/repo"
	"github.com/doorman-project/doorman/internal/store"
)

// Accountant evaluates and commits credit spend.
type Accountant struct {
	repo   *repo.Repo
	sealer *crypto.Sealer
}

// New creates an accountant. sealer opens the stored API keys.
func New(r *repo.Repo, sealer *crypto.Sealer) *Accountant {
	return &Accountant{repo: r, sealer: sealer}
}

// Precheck loads the caller's balance for a credit group. Missing
// records and non-positive balances deny alike; balances are read from
// the store directly because they mutate on every call.
func (a *Accountant) Precheck(ctx context.Context, username, group string) (*model.UserCreditEntry, error) {
	doc, err := a.repo.Store().FindOne(ctx, model.CollUserCredits, store.Filter{"username": username})
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.ErrInsufficientCredits
		}
		return nil, errors.Wrap(err, 500, "ISE001", "credit lookup failed")
	}
	var uc model.UserCredits
	if err := model.Decode(doc, &uc); err != nil {
		return nil, errors.Wrap(err, 500, "ISE001", "credit record corrupt")
	}
	entry, ok := uc.Groups[group]
	if !ok || entry.AvailableCredits <= 0 {
		return nil, errors.ErrInsufficientCredits
	}
	return &entry, nil
}

// SelectKey decrypts the outbound API key for a credit group according
// to its rotation state: primary before the window, the new key inside
// it when present, and the new key alone after the window closes.
func (a *Accountant) SelectKey(def *model.CreditDef, now time.Time) (string, error) {
	enc := def.APIKey
	switch rotationPhase(def, now) {
	case phaseWindow:
		if def.APIKeyNew != "" {
			enc = def.APIKeyNew
		}
	case phaseAfter:
		enc = def.APIKeyNew
	}
	if enc == "" {
		return "", errors.New(500, "CRD002", "credit group has no api key")
	}
	key, err := a.sealer.OpenString(enc)
	if err != nil {
		return "", errors.Wrap(err, 500, "CRD003", "api key decryption failed")
	}
	return key, nil
}

// AcceptInbound verifies a presented API key against the group. Inside
// the rotation window both keys are accepted; outside it only the
// phase-appropriate key matches.
func (a *Accountant) AcceptInbound(def *model.CreditDef, presented string, now time.Time) bool {
	match := func(enc string) bool {
		if enc == "" {
			return false
		}
		key, err := a.sealer.OpenString(enc)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1
	}
	switch rotationPhase(def, now) {
	case phaseBefore:
		return match(def.APIKey)
	case phaseWindow:
		return match(def.APIKey) || match(def.APIKeyNew)
	default:
		return match(def.APIKeyNew)
	}
}

// Commit decrements the caller's balance by one. Called only after the
// upstream responded with an effective status below 500; server-side
// upstream failures never consume credits.
func (a *Accountant) Commit(ctx context.Context, username, group string) error {
	err := a.repo.Store().MutateOne(ctx, model.CollUserCredits,
		store.Filter{"username": username},
		func(doc store.Doc) (store.Doc, error) {
			var uc model.UserCredits
			if err := model.Decode(doc, &uc); err != nil {
				return nil, err
			}
			entry, ok := uc.Groups[group]
			if !ok {
				return nil, store.ErrNotFound
			}
			if entry.AvailableCredits > 0 {
				entry.AvailableCredits--
			}
			uc.Groups[group] = entry
			return model.Encode(uc)
		})
	if err != nil {
		return errors.Wrap(err, 500, "ISE001", "credit commit failed")
	}
	return nil
}

type phase int

const (
	phaseBefore phase = iota
	phaseWindow
	phaseAfter
)

// rotationPhase places now relative to [rotation_start, rotation_expires).
// A group without rotation timestamps is permanently in phaseBefore.
func rotationPhase(def *model.CreditDef, now time.Time) phase {
	if def.RotationStart.IsZero() {
		return phaseBefore
	}
	if now.Before(def.RotationStart) {
		return phaseBefore
	}
	if def.RotationExpires.IsZero() || now.Before(def.RotationExpires) {
		return phaseWindow
	}
	return phaseAfter
}
