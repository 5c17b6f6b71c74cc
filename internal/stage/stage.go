// Package stage defines the per-kind workflow stage machines. Stages only
// move forward in their defined order; cancelled is reachable from any
// non-terminal stage and is absorbing.
package stage

import "fmt"

// Kind is a workflow-bearing entity kind.
type Kind string

const (
	KindDeal            Kind = "deal"
	KindCorporateAction Kind = "corporate_action"
	KindCapitalEvent    Kind = "capital_event"
	KindReportPack      Kind = "report_pack"
)

// Stage is an ordered lifecycle position within a kind.
type Stage string

const (
	StageDraft        Stage = "draft"
	StageAnnounced    Stage = "announced"
	StageNoticeIssued Stage = "notice_issued"
	StageInReview     Stage = "in_review"
	StageApproved     Stage = "approved"
	StageExecuted     Stage = "executed"
	StageProcessed    Stage = "processed"
	StageSettled      Stage = "settled"
	StagePublished    Stage = "published"
	StageClosed       Stage = "closed"
	StageCancelled    Stage = "cancelled"
)

// orders lists each kind's forward path. The last element is the terminal
// closing stage; cancelled sits outside the order.
var orders = map[Kind][]Stage{
	KindDeal:            {StageDraft, StageInReview, StageApproved, StageExecuted, StageClosed},
	KindCorporateAction: {StageAnnounced, StageInReview, StageApproved, StageProcessed, StageClosed},
	KindCapitalEvent:    {StageDraft, StageNoticeIssued, StageApproved, StageSettled, StageClosed},
	KindReportPack:      {StageDraft, StageInReview, StageApproved, StagePublished, StageClosed},
}

// postableStages names the stage at which each kind's ledger impact may be
// posted.
var postableStages = map[Kind]Stage{
	KindDeal:            StageExecuted,
	KindCorporateAction: StageProcessed,
	KindCapitalEvent:    StageSettled,
	KindReportPack:      StagePublished,
}

// ValidKind reports whether k names a known entity kind.
func ValidKind(k Kind) bool {
	_, ok := orders[k]
	return ok
}

// Initial returns the first stage for a kind.
func Initial(k Kind) (Stage, error) {
	order, ok := orders[k]
	if !ok {
		return "", fmt.Errorf("unknown entity kind: %s", k)
	}
	return order[0], nil
}

// Next returns the stage after current in k's order. It fails on terminal
// stages and on stages that do not belong to the kind.
func Next(k Kind, current Stage) (Stage, error) {
	order, ok := orders[k]
	if !ok {
		return "", fmt.Errorf("unknown entity kind: %s", k)
	}
	if current == StageCancelled {
		return "", fmt.Errorf("stage %s is terminal for kind %s", current, k)
	}
	for i, s := range order {
		if s != current {
			continue
		}
		if i == len(order)-1 {
			return "", fmt.Errorf("stage %s is terminal for kind %s", current, k)
		}
		return order[i+1], nil
	}
	return "", fmt.Errorf("stage %s does not belong to kind %s", current, k)
}

// IsTerminal reports whether s accepts no further transitions for kind k.
func IsTerminal(k Kind, s Stage) bool {
	if s == StageCancelled {
		return true
	}
	order, ok := orders[k]
	if !ok {
		return false
	}
	return s == order[len(order)-1]
}

// CanCancel reports whether an entity at s may move to cancelled.
func CanCancel(k Kind, s Stage) bool {
	return !IsTerminal(k, s)
}

// Postable reports whether an entity of kind k at stage s permits posting
// of its staged ledger impact. Stages at or past the postable stage (other
// than cancelled) qualify.
func Postable(k Kind, s Stage) bool {
	target, ok := postableStages[k]
	if !ok || s == StageCancelled {
		return false
	}
	return Index(k, s) >= Index(k, target)
}

// Index returns s's position in k's order, or -1 when it does not belong.
func Index(k Kind, s Stage) int {
	for i, v := range orders[k] {
		if v == s {
			return i
		}
	}
	return -1
}
