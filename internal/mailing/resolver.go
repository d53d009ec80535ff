// Package mailing executes mailer jobs: it resolves the recipient set for a
// job and a logical date, renders the template per recipient and hands the
// messages to the delivery queue, recording one execution log entry per run.
package mailing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/Flo-63/gratulo-sub000/internal/store"
)

// MemberSource is the member/group read capability the resolver needs.
type MemberSource interface {
	DefaultGroup(ctx context.Context) (store.Group, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
	ActiveMembersByGroup(ctx context.Context, groupID int64, isDefault bool) ([]store.Member, error)
}

// JobLookup finds a job by (selection, group), used for the default-group
// fallback and the no-double-send rule. Injected explicitly so tests can
// fake it.
type JobLookup interface {
	FindGroupJob(ctx context.Context, selection store.Selection, groupID, excludeID int64) (store.MailerJob, error)
}

// Resolver computes the recipient set for one job execution.
type Resolver struct {
	members  MemberSource
	jobs     JobLookup
	collator *collate.Collator
}

// NewResolver creates a resolver over the given capabilities.
func NewResolver(members MemberSource, jobs JobLookup) *Resolver {
	return &Resolver{
		members:  members,
		jobs:     jobs,
		collator: collate.New(language.German, collate.Loose),
	}
}

// Resolve returns the members a job addresses on the logical date, in a
// stable collated order with duplicate addresses removed.
//
// Scoping: a non-default-group job sees only its own group. A default-group
// job additionally covers every group that has no job of the same selection,
// so specialized groups do not receive the generic mailing twice while
// unconfigured groups are not forgotten.
//
// Fallback: a non-default-group job that resolves nobody falls back to the
// default-group job of the same selection, if one exists.
func (r *Resolver) Resolve(ctx context.Context, job store.MailerJob, logical time.Time) ([]store.Member, error) {
	return r.resolve(ctx, job, logical, true)
}

func (r *Resolver) resolve(ctx context.Context, job store.MailerJob, logical time.Time, allowFallback bool) ([]store.Member, error) {
	if job.Selection == store.SelectionList {
		return listMembers(job.Recipients), nil
	}

	def, err := r.members.DefaultGroup(ctx)
	if err != nil {
		return nil, err
	}

	var members []store.Member
	if job.GroupID == def.ID {
		members, err = r.resolveDefault(ctx, job, def, logical)
	} else {
		members, err = r.resolveGroup(ctx, job.GroupID, job.Selection, logical, false)
	}
	if err != nil {
		return nil, err
	}

	if len(members) == 0 && allowFallback && job.GroupID != def.ID {
		fallback, err := r.jobs.FindGroupJob(ctx, job.Selection, def.ID, job.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// No fallback job, the run ends with no recipients.
		case err != nil:
			return nil, err
		default:
			return r.resolve(ctx, fallback, logical, false)
		}
	}

	r.sortMembers(members)
	return dedupe(members), nil
}

// resolveDefault covers the default group itself plus every other group
// without its own same-selection job.
func (r *Resolver) resolveDefault(ctx context.Context, job store.MailerJob, def store.Group, logical time.Time) ([]store.Member, error) {
	members, err := r.resolveGroup(ctx, def.ID, job.Selection, logical, true)
	if err != nil {
		return nil, err
	}

	groups, err := r.members.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.ID == def.ID {
			continue
		}
		_, err := r.jobs.FindGroupJob(ctx, job.Selection, g.ID, job.ID)
		if err == nil {
			continue // the group has its own job for this occasion
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		more, err := r.resolveGroup(ctx, g.ID, job.Selection, logical, false)
		if err != nil {
			return nil, err
		}
		members = append(members, more...)
	}
	return members, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, groupID int64, selection store.Selection, logical time.Time, isDefault bool) ([]store.Member, error) {
	all, err := r.members.ActiveMembersByGroup(ctx, groupID, isDefault)
	if err != nil {
		return nil, err
	}

	var members []store.Member
	for _, m := range all {
		if matchesSelection(m, selection, logical) {
			members = append(members, m)
		}
	}
	return members, nil
}

func matchesSelection(m store.Member, selection store.Selection, logical time.Time) bool {
	switch selection {
	case store.SelectionAll:
		return true
	case store.SelectionBirthday:
		return sameMonthDay(m.Birthdate, logical)
	case store.SelectionEntry:
		return m.MemberSince != nil && sameMonthDay(*m.MemberSince, logical)
	}
	return false
}

func sameMonthDay(date, logical time.Time) bool {
	return date.Month() == logical.Month() && date.Day() == logical.Day()
}

// sortMembers orders by last name, first name, then e-mail, collated for
// German names so the delivery order is stable across runs.
func (r *Resolver) sortMembers(members []store.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if c := r.collator.CompareString(a.LastName, b.LastName); c != 0 {
			return c < 0
		}
		if c := r.collator.CompareString(a.FirstName, b.FirstName); c != 0 {
			return c < 0
		}
		return a.Email < b.Email
	})
}

func dedupe(members []store.Member) []store.Member {
	seen := make(map[string]struct{}, len(members))
	out := members[:0]
	for _, m := range members {
		key := strings.ToLower(strings.TrimSpace(m.Email))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// listMembers turns an explicit address list into bare members so the
// rendering path stays uniform.
func listMembers(addresses []string) []store.Member {
	var members []store.Member
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		members = append(members, store.Member{Email: addr})
	}
	return members
}
