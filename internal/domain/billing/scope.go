package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/cache"
	"github.com/clinic/clinic/internal/platform/db"
)

type ScopeKind int

const (
	ScopeNone ScopeKind = iota
	ScopePartial
	ScopeFull
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeFull:
		return "full"
	case ScopePartial:
		return "partial"
	default:
		return "none"
	}
}

// Scope is the set of therapists whose records a caller may see. The zero
// value sees nothing.
type Scope struct {
	kind ScopeKind
	ids  []int64
}

func FullScope() Scope { return Scope{kind: ScopeFull} }

func NoScope() Scope { return Scope{} }

// PartialScope restricts visibility to the given therapists. An empty set
// yields NoScope.
func PartialScope(therapistIDs ...int64) Scope {
	ids := slices.Clone(therapistIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return NoScope()
	}
	return Scope{kind: ScopePartial, ids: ids}
}

func (s Scope) Kind() ScopeKind { return s.kind }

// TherapistIDs returns the visible therapists of a partial scope.
func (s Scope) TherapistIDs() []int64 { return slices.Clone(s.ids) }

func (s Scope) Allows(therapistID int64) bool {
	switch s.kind {
	case ScopeFull:
		return true
	case ScopePartial:
		_, found := slices.BinarySearch(s.ids, therapistID)
		return found
	default:
		return false
	}
}

func (s Scope) String() string {
	if s.kind == ScopePartial {
		return fmt.Sprintf("partial%v", s.ids)
	}
	return s.kind.String()
}

// predicate lowers the scope to a condition on col. Full scope returns nil.
func (s Scope) predicate(col exp.IdentifierExpression) exp.Expression {
	switch s.kind {
	case ScopeFull:
		return nil
	case ScopePartial:
		return col.In(s.ids)
	default:
		return goqu.L("1 = 0")
	}
}

// TeamDirectory lists the therapists a supervisor manages.
type TeamDirectory interface {
	TeamOf(ctx context.Context, supervisorID int64) ([]int64, error)
}

// ScopeCache stores team lists between requests; *cache.Store satisfies it.
type ScopeCache interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// ScopeSource resolves the visibility scope of a caller.
type ScopeSource interface {
	Resolve(ctx context.Context, caller Caller) (Scope, error)
}

// ScopeResolver maps roles to scopes:
//   - admin and finance see every record;
//   - supervisors see their team's records;
//   - therapists see their own records;
//   - anyone else sees nothing.
//
// Supervisor and therapist grants combine.
type ScopeResolver struct {
	teams  TeamDirectory
	cache  ScopeCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewScopeResolver(teams TeamDirectory, logger zerolog.Logger) *ScopeResolver {
	return &ScopeResolver{teams: teams, logger: logger}
}

// SetCache enables caching of team lists for ttl.
func (r *ScopeResolver) SetCache(c ScopeCache, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.cache = c
	r.ttl = ttl
}

func (r *ScopeResolver) Resolve(ctx context.Context, caller Caller) (Scope, error) {
	if caller.HasRole(auth.RoleAdmin) || caller.HasRole(auth.RoleFinance) {
		return FullScope(), nil
	}
	if caller.ID <= 0 {
		return NoScope(), nil
	}

	var ids []int64
	if caller.HasRole(auth.RoleSupervisor) {
		team, err := r.team(ctx, caller.ID)
		if err != nil {
			return NoScope(), err
		}
		ids = append(ids, team...)
	}
	if caller.HasRole(auth.RoleTherapist) {
		ids = append(ids, caller.ID)
	}
	return PartialScope(ids...), nil
}

func teamCacheKey(ctx context.Context, supervisorID int64) string {
	return "team:" + db.TenantFromContext(ctx) + ":" + strconv.FormatInt(supervisorID, 10)
}

func (r *ScopeResolver) team(ctx context.Context, supervisorID int64) ([]int64, error) {
	key := teamCacheKey(ctx, supervisorID)
	if r.cache != nil {
		var ids []int64
		err := r.cache.GetJSON(ctx, key, &ids)
		if err == nil {
			return ids, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn().Err(err).Int64("supervisor_id", supervisorID).Msg("team cache read failed")
		}
	}

	ids, err := r.teams.TeamOf(ctx, supervisorID)
	if err != nil {
		return nil, fmt.Errorf("%w: load team of %d: %w", ErrPersistence, supervisorID, err)
	}

	if r.cache != nil {
		if ids == nil {
			ids = []int64{}
		}
		if err := r.cache.SetJSON(ctx, key, ids, r.ttl); err != nil {
			r.logger.Warn().Err(err).Int64("supervisor_id", supervisorID).Msg("team cache write failed")
		}
	}
	return ids, nil
}
