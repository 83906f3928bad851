// Package routing decides where an authenticated browser lands after
// session bootstrap. Destinations are a small closed set of client-side
// paths shared by the bridge server and the bootstrap library.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/tmaekawa/votebridge/internal/storage"
)

type Destination string

const (
	// DestProfessional is the dashboard for an active professional.
	DestProfessional Destination = "/pro/home"

	// DestClient is the client home page.
	DestClient Destination = "/home"

	// DestOnboarding is where accounts with no role record land.
	DestOnboarding Destination = "/onboarding"

	// DestLogin is the login page, used for terminal failures.
	DestLogin Destination = "/login"
)

// VotePath is the vote-continuation destination for a pending vote. It
// takes precedence over role-based routing when the auth flow started
// from a vote.
func VotePath(targetProID, voteToken string) Destination {
	return Destination("/vote/" + url.PathEscape(targetProID) + "?token=" + url.QueryEscape(voteToken))
}

// Decision is the routing outcome for an account.
type Decision struct {
	Destination Destination

	// ProfessionalDeactivated flags a client destination where the
	// account also holds a deactivated professional record.
	ProfessionalDeactivated bool
}

// Resolver computes role-based destinations. Concurrent lookups for the
// same account (event signal and delayed poll racing in the bootstrap)
// are collapsed into one store round-trip.
type Resolver struct {
	roles storage.RoleStore
	group singleflight.Group
}

func NewResolver(roles storage.RoleStore) *Resolver {
	return &Resolver{roles: roles}
}

// Resolve applies the fixed priority: active professional wins, then
// client, then onboarding. An account can hold both records; the
// professional record only takes priority while active.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (Decision, error) {
	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.resolve(ctx, accountID)
	})
	if err != nil {
		return Decision{}, err
	}
	return v.(Decision), nil
}

func (r *Resolver) resolve(ctx context.Context, accountID string) (Decision, error) {
	pro, err := r.roles.GetProfessional(ctx, accountID)
	proFound := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("looking up professional record: %w", err)
	}
	if proFound && !pro.Deactivated {
		return Decision{Destination: DestProfessional}, nil
	}

	if _, err := r.roles.GetClient(ctx, accountID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{Destination: DestOnboarding}, nil
		}
		return Decision{}, fmt.Errorf("looking up client record: %w", err)
	}

	return Decision{
		Destination:             DestClient,
		ProfessionalDeactivated: proFound,
	}, nil
}
