// Package scope expands a schedule's scope declaration into asset ids.
package scope

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"inspectflow/internal/domain"
)

// Directory is the external asset directory.
type Directory interface {
	LookupAssets(ctx context.Context, siteID string, sel domain.AssetSelector) ([]domain.Asset, error)
	AssetExists(ctx context.Context, id string) (bool, error)
}

// SiteContext pins a resolution to a site and a run snapshot. Snapshot is
// only consulted for all-assets scopes that exclude newly onboarded assets.
type SiteContext struct {
	SiteID   string
	Snapshot time.Time
}

type Resolver struct {
	dir     Directory
	timeout time.Duration
}

// NewResolver returns a resolver whose directory calls are bounded by
// timeout. A zero timeout leaves the caller's context in charge.
func NewResolver(dir Directory, timeout time.Duration) *Resolver {
	return &Resolver{dir: dir, timeout: timeout}
}

// Resolve returns the sorted, de-duplicated asset ids the scope covers.
//
// A type or tag selector that matches nothing yields an empty set together
// with a *domain.ScopeResolutionError; callers log it and skip generation.
// Directory deadlines surface as *domain.ExternalTimeoutError.
func (r *Resolver) Resolve(ctx context.Context, sc domain.Scope, site SiteContext) ([]string, error) {
	switch sc.Kind {
	case domain.ScopeAssetIDs:
		return r.explicit(ctx, sc.AssetIDs)

	case domain.ScopeAllAssets:
		assets, err := r.lookup(ctx, site.SiteID, domain.AssetSelector{})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(assets))
		for _, a := range assets {
			if !sc.IncludeNewAssets && !site.Snapshot.IsZero() && a.OnboardedAt.After(site.Snapshot) {
				continue
			}
			ids = append(ids, a.ID)
		}
		return normalize(ids), nil

	case domain.ScopeAssetType, domain.ScopeTags:
		sel := domain.AssetSelector{TypeID: sc.AssetTypeID}
		if sc.Kind == domain.ScopeTags {
			sel = domain.AssetSelector{Tags: sc.Tags}
		}
		assets, err := r.lookup(ctx, site.SiteID, sel)
		if err != nil {
			return nil, err
		}
		if len(assets) == 0 {
			log.Warn().Str("scope", string(sc.Kind)).Str("site_id", site.SiteID).Msg("scope selector matched no assets")
			return nil, &domain.ScopeResolutionError{Scope: sc.Kind, Reason: "selector matched no assets"}
		}
		ids := make([]string, len(assets))
		for i, a := range assets {
			ids[i] = a.ID
		}
		return normalize(ids), nil
	}
	return nil, &domain.InvalidRuleError{Field: "scope.kind", Reason: "unknown scope kind " + string(sc.Kind)}
}

// Contains reports whether assetID is in the resolved scope. Explicit id
// scopes are checked without a directory listing.
func (r *Resolver) Contains(ctx context.Context, sc domain.Scope, site SiteContext, assetID string) (bool, error) {
	if sc.Kind == domain.ScopeAssetIDs {
		listed := false
		for _, id := range sc.AssetIDs {
			if id == assetID {
				listed = true
				break
			}
		}
		if !listed {
			return false, nil
		}
		return r.exists(ctx, assetID)
	}
	ids, err := r.Resolve(ctx, sc, site)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(ids, assetID)
	return i < len(ids) && ids[i] == assetID, nil
}

// explicit drops ids the directory no longer knows about; stale ids are not
// an error.
func (r *Resolver) explicit(ctx context.Context, declared []string) ([]string, error) {
	ids := make([]string, 0, len(declared))
	for _, id := range normalize(declared) {
		ok, err := r.exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug().Str("asset_id", id).Msg("dropping stale asset id from scope")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Resolver) lookup(ctx context.Context, siteID string, sel domain.AssetSelector) ([]domain.Asset, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	assets, err := r.dir.LookupAssets(ctx, siteID, sel)
	return assets, domain.WrapTimeout("asset directory lookup", err)
}

func (r *Resolver) exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.dir.AssetExists(ctx, id)
	return ok, domain.WrapTimeout("asset directory exists", err)
}

func (r *Resolver) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
