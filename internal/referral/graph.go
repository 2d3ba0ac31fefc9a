// Package referral maintains the sponsorship graph. Each member stores a
// flattened list of every descendant with its depth, so downline queries
// never walk the tree at read time. The cost is paid once at registration,
// when the new member is pushed into every ancestor's list.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

var ErrSponsorNotFound = errors.New("sponsor not found")

// DefaultMaxDepth bounds the upward walk at registration. A chain longer
// than this indicates a corrupt graph (cycle), not a legitimate tree.
const DefaultMaxDepth = 100

// Graph owns all reads and writes of the referral structure.
type Graph struct {
	store    store.Store
	clock    clockwork.Clock
	maxDepth int
}

// NewGraph creates a referral graph over the given store.
func NewGraph(st store.Store, clock clockwork.Clock) *Graph {
	return &Graph{
		store:    st,
		clock:    clock,
		maxDepth: DefaultMaxDepth,
	}
}

// Register creates the member and, when a referral code (the sponsor's
// username) is given, links it under the sponsor and propagates the
// membership upward. The sponsor is resolved before the member is written,
// so a bad referral code never leaves an orphan record.
func (g *Graph) Register(ctx context.Context, m *model.Member, referralCode string) error {
	var sponsor *model.Member
	if referralCode != "" {
		var err error
		sponsor, err = g.store.GetMemberByUsername(ctx, referralCode)
		if err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				return fmt.Errorf("%w: %s", ErrSponsorNotFound, referralCode)
			}
			return err
		}
		if sponsor.Username == m.Username {
			return fmt.Errorf("%w: member cannot sponsor itself", ErrSponsorNotFound)
		}
		m.ReferredBy = sponsor.ID
	}

	if err := g.store.CreateMember(ctx, m); err != nil {
		return err
	}
	if sponsor == nil {
		return nil
	}

	// The member and the sponsor link are committed. A propagation failure
	// leaves a gap in some ancestors' flattened lists, not an invalid
	// registration, so it is logged rather than returned.
	if err := g.PropagateUpward(ctx, m.ID, sponsor.ID); err != nil {
		slog.Warn("registration propagation incomplete",
			"member_id", m.ID,
			"sponsor_id", sponsor.ID,
			"error", err,
		)
	}
	return nil
}

// PropagateUpward pushes memberID into the downline list of sponsorID and
// every ancestor above it, at increasing depth. The walk is iterative with
// a hard depth bound. If an ancestor already holds the member the walk
// stops: every node above it was populated by the earlier propagation.
//
// A store failure mid-walk aborts the remaining ancestors without rolling
// back the ones already written. The lists are denormalized views; a
// partial write is repaired by the next stats recompute, not by unwinding
// ledger-grade state.
func (g *Graph) PropagateUpward(ctx context.Context, memberID, sponsorID string) error {
	now := g.clock.Now().UTC()
	ancestorID := sponsorID

	for level := 1; level <= g.maxDepth; level++ {
		added, err := g.store.AppendDownlineEntry(ctx, ancestorID, model.DownlineEntry{
			MemberID: memberID,
			Level:    level,
			AddedAt:  now,
		})
		if err != nil {
			slog.Error("downline propagation aborted",
				"member_id", memberID,
				"ancestor_id", ancestorID,
				"level", level,
				"error", err,
			)
			return fmt.Errorf("propagate to ancestor %s at level %d: %w", ancestorID, level, err)
		}
		if !added {
			// Already present; ancestors above were handled previously.
			return nil
		}

		ancestor, err := g.store.GetMember(ctx, ancestorID)
		if err != nil {
			return fmt.Errorf("load ancestor %s: %w", ancestorID, err)
		}
		if ancestor.ReferredBy == "" {
			return nil
		}
		ancestorID = ancestor.ReferredBy
	}

	slog.Warn("downline propagation hit depth bound",
		"member_id", memberID,
		"max_depth", g.maxDepth,
	)
	return nil
}

// AncestorChain returns the member's sponsors ordered by distance: index 0
// is the direct sponsor, index 1 its sponsor, and so on, up to maxLevels
// entries. A broken link ends the chain early.
func (g *Graph) AncestorChain(ctx context.Context, memberID string, maxLevels int) ([]*model.Member, error) {
	member, err := g.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var chain []*model.Member
	parentID := member.ReferredBy
	for len(chain) < maxLevels && parentID != "" {
		parent, err := g.store.GetMember(ctx, parentID)
		if err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				slog.Warn("ancestor chain broken",
					"member_id", memberID,
					"missing_ancestor", parentID,
				)
				break
			}
			return nil, err
		}
		chain = append(chain, parent)
		parentID = parent.ReferredBy
	}
	return chain, nil
}

// Downline returns the member's flattened descendant list, optionally
// restricted to a single depth (level 0 means all levels).
func (g *Graph) Downline(ctx context.Context, memberID string, level int) ([]model.DownlineEntry, error) {
	member, err := g.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if level == 0 {
		return member.DownlineEntries, nil
	}

	var filtered []model.DownlineEntry
	for _, e := range member.DownlineEntries {
		if e.Level == level {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}
