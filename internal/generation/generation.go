package generation

import (
	"sort"
	"strings"
	"time"

	"fetchline/internal/domain"
)

// Registry supplies the full expected value set for a context key. MECE
// completeness is membership against this set, not against whatever values
// happen to be cached.
type Registry interface {
	ExpectedValues(key string) []string
}

// Kind tags the selector verdict.
type Kind string

const (
	// SelectionNone means no generation qualified and no explicit
	// uncontexted snapshot exists.
	SelectionNone Kind = "none"
	// SelectionUncontexted means the single explicit uncontexted snapshot
	// is authoritative.
	SelectionUncontexted Kind = "explicit_uncontexted"
	// SelectionMECE means one context-partitioned generation is
	// authoritative.
	SelectionMECE Kind = "mece_partition"
)

// Selection is the single internally-consistent snapshot set to treat as
// authoritative. For SelectionMECE every member shares QuerySignature;
// for SelectionUncontexted Snapshots holds exactly one member.
type Selection struct {
	Kind           Kind
	Key            string
	QuerySignature string
	Complete       bool
	Snapshots      []domain.Snapshot
}

type candidate struct {
	signature string
	members   []domain.Snapshot
	recency   time.Time
	complete  bool
}

// CandidateKey extracts the context key the cached slices are partitioned
// by: the key of the first contexted snapshot. Empty when every snapshot is
// uncontexted.
func CandidateKey(snaps []domain.Snapshot) string {
	for _, s := range snaps {
		if key, _, ok := ParseSlice(s.SliceDSL); ok {
			return key
		}
	}
	return ""
}

// ParseSlice splits a context(key:value) slice predicate.
func ParseSlice(dsl string) (key, value string, ok bool) {
	const prefix = "context("
	if !strings.HasPrefix(dsl, prefix) || !strings.HasSuffix(dsl, ")") {
		return "", "", false
	}
	body := dsl[len(prefix) : len(dsl)-1]
	key, value, ok = strings.Cut(body, ":")
	if !ok || key == "" {
		return "", "", false
	}
	return key, value, true
}

// Select resolves which cached snapshots are authoritative for one target.
//
// Contexted snapshots are partitioned by query signature into candidate
// generations; members are never blended across signatures. A generation's
// recency is the minimum retrieved-at across its members: it is only as
// fresh as its stalest slice. Within a generation a duplicated context
// value keeps only the member with the latest retrieved-at. The winning
// generation is compared against the newest explicit uncontexted snapshot,
// which wins ties-or-newer. With requireComplete set, incomplete
// generations are skipped in favour of the next-most-recent complete one,
// never silently accepted and never patched with members of another
// generation.
func Select(snaps []domain.Snapshot, key string, reg Registry, requireComplete bool) Selection {
	var uncontexted []domain.Snapshot
	bySig := map[string][]domain.Snapshot{}
	var sigOrder []string
	for _, s := range snaps {
		if s.SliceDSL == "" {
			uncontexted = append(uncontexted, s)
			continue
		}
		if _, seen := bySig[s.QuerySignature]; !seen {
			sigOrder = append(sigOrder, s.QuerySignature)
		}
		bySig[s.QuerySignature] = append(bySig[s.QuerySignature], s)
	}

	var newestPlain *domain.Snapshot
	for i := range uncontexted {
		if newestPlain == nil || retrievedAt(uncontexted[i]).After(retrievedAt(*newestPlain)) {
			newestPlain = &uncontexted[i]
		}
	}

	expected := map[string]bool{}
	if reg != nil && key != "" {
		for _, v := range reg.ExpectedValues(key) {
			expected[v] = true
		}
	}

	var cands []candidate
	for _, sig := range sigOrder {
		c := buildCandidate(sig, bySig[sig], key, expected)
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].recency.After(cands[j].recency)
	})

	var best *candidate
	for i := range cands {
		if requireComplete && !cands[i].complete {
			continue
		}
		best = &cands[i]
		break
	}

	if best == nil {
		if newestPlain != nil {
			return Selection{Kind: SelectionUncontexted, Snapshots: []domain.Snapshot{*newestPlain}}
		}
		return Selection{Kind: SelectionNone}
	}
	// Explicit uncontexted wins when ties-or-newer than the generation's
	// stalest member.
	if newestPlain != nil && !retrievedAt(*newestPlain).Before(best.recency) {
		return Selection{Kind: SelectionUncontexted, Snapshots: []domain.Snapshot{*newestPlain}}
	}
	return Selection{
		Kind:           SelectionMECE,
		Key:            key,
		QuerySignature: best.signature,
		Complete:       best.complete,
		Snapshots:      best.members,
	}
}

func buildCandidate(sig string, members []domain.Snapshot, key string, expected map[string]bool) candidate {
	// Duplicate context value within one generation: keep latest fetch.
	byValue := map[string]domain.Snapshot{}
	var valueOrder []string
	for _, m := range members {
		v := m.ContextValue(key)
		prev, seen := byValue[v]
		if !seen {
			valueOrder = append(valueOrder, v)
			byValue[v] = m
			continue
		}
		if retrievedAt(m).After(retrievedAt(prev)) {
			byValue[v] = m
		}
	}
	c := candidate{signature: sig}
	for _, v := range valueOrder {
		c.members = append(c.members, byValue[v])
	}
	for _, m := range c.members {
		at := retrievedAt(m)
		if c.recency.IsZero() || at.Before(c.recency) {
			c.recency = at
		}
	}
	if len(expected) > 0 {
		have := map[string]bool{}
		for _, v := range valueOrder {
			have[v] = true
		}
		c.complete = len(have) == len(expected)
		for v := range expected {
			if !have[v] {
				c.complete = false
			}
		}
		for v := range have {
			if !expected[v] {
				c.complete = false
			}
		}
	}
	return c
}

func retrievedAt(s domain.Snapshot) time.Time {
	t, err := time.Parse(time.RFC3339, s.RetrievedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
