package domain

import "fetchline/internal/dates"

// TargetType distinguishes parameter slots from node cases.
type TargetType string

const (
	TargetParameter TargetType = "parameter"
	TargetCase      TargetType = "case"
)

// ParamSlot names the connectable slots an edge carries.
type ParamSlot string

const (
	SlotBaseProbability ParamSlot = "base_probability"
	SlotMonetaryCost    ParamSlot = "monetary_cost"
	SlotLabourCost      ParamSlot = "labour_cost"
	SlotConditional     ParamSlot = "conditional_probability"
)

// FetchTarget is one addressable data slot derived from graph structure.
// ObjectID is empty for directly-connected slots with no separate
// parameter identity.
type FetchTarget struct {
	Type             TargetType `json:"type"`
	ObjectID         string     `json:"object_id,omitempty"`
	TargetID         string     `json:"target_id"`
	Slot             ParamSlot  `json:"slot,omitempty"`
	ConditionalIndex *int       `json:"conditional_index,omitempty"`
}

// Key returns the stable identity used for store lookups and plan items.
func (t FetchTarget) Key() string {
	if t.ObjectID != "" {
		return t.ObjectID
	}
	return t.TargetID + "/" + string(t.Slot)
}

// SnapshotKind tags the two snapshot shapes. Parameter snapshots carry a
// window range; case snapshots carry a cohort range.
type SnapshotKind string

const (
	SnapshotParameter SnapshotKind = "parameter"
	SnapshotCase      SnapshotKind = "case"
)

// Snapshot is one retrieved slice of cached data for a target. Immutable
// once created; a re-fetch produces a new row, never an update.
type Snapshot struct {
	ID             string               `json:"id"`
	TargetKey      string               `json:"target_key"`
	Kind           SnapshotKind         `json:"kind"`
	SliceDSL       string               `json:"slice_dsl"` // "" = uncontexted total
	From           dates.CalendarDate   `json:"from"`
	To             dates.CalendarDate   `json:"to"`
	Dates          []dates.CalendarDate `json:"dates"` // per-day entries actually present
	RetrievedAt    string               `json:"retrieved_at" format:"date-time"`
	QuerySignature string               `json:"query_signature"`
}

// ContextValue extracts the value of a context(key:value) slice predicate
// for the given key. Empty for uncontexted snapshots or other keys.
func (s Snapshot) ContextValue(key string) string {
	const prefix = "context("
	dsl := s.SliceDSL
	if len(dsl) <= len(prefix)+1 || dsl[:len(prefix)] != prefix || dsl[len(dsl)-1] != ')' {
		return ""
	}
	body := dsl[len(prefix) : len(dsl)-1]
	for i := 0; i < len(body); i++ {
		if body[i] == ':' {
			if body[:i] == key {
				return body[i+1:]
			}
			return ""
		}
	}
	return ""
}

// Classification is the per-target verdict. Mutually exclusive; computed
// fresh on every planner invocation, never persisted.
type Classification string

const (
	NeedsFetch     Classification = "needs_fetch"
	CoveredStable  Classification = "covered_stable"
	StaleCandidate Classification = "stale_candidate"
	FileOnlyGap    Classification = "file_only_gap"
	UnfetchableGap Classification = "unfetchable_gap"
)

// Outcome is the aggregate verdict over all targets.
type Outcome string

const (
	NotCovered          Outcome = "not_covered"
	OutcomeCoveredStale Outcome = "covered_stale"
	OutcomeCovered      Outcome = "covered_stable"
)

// ConnectionState says whether a target may be fetched from a live source.
type ConnectionState struct {
	TargetKey string `json:"target_key"`
	Connected bool   `json:"connected"`
}

// LatencyModel declares t95: days after which data for a date is mature.
// Absent a model, all present data is immediately mature.
type LatencyModel struct {
	TargetKey string `json:"target_key"`
	T95Days   int    `json:"t95_days"`
}

// PlanItem is one target-level entry in the planner result.
type PlanItem struct {
	Target         FetchTarget          `json:"target"`
	Classification Classification       `json:"classification"`
	Window         *dates.Window        `json:"window,omitempty"`
	MissingDates   []dates.CalendarDate `json:"missing_dates,omitempty"`
	Detail         string               `json:"detail,omitempty"`
}

// Summaries is a thin presentational derivation; consumers may recompute it
// from the classification lists.
type Summaries struct {
	ButtonTooltip string `json:"button_tooltip"`
	ShowToast     bool   `json:"show_toast"`
	ToastMessage  string `json:"toast_message,omitempty"`
}

// AnalysisContext records what a planner result was computed against.
type AnalysisContext struct {
	DSL       string `json:"dsl"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// PlannerResult is the aggregate output of one Analyse call.
type PlannerResult struct {
	Status               string          `json:"status" enum:"complete"`
	Outcome              Outcome         `json:"outcome"`
	FetchPlanItems       []PlanItem      `json:"fetch_plan_items"`
	AutoAggregationItems []PlanItem      `json:"auto_aggregation_items"`
	StaleCandidates      []PlanItem      `json:"stale_candidates"`
	UnfetchableGaps      []PlanItem      `json:"unfetchable_gaps"`
	AnalysisContext      AnalysisContext `json:"analysis_context"`
	Summaries            Summaries       `json:"summaries"`
}
