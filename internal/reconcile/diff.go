package reconcile

import (
	"github.com/betbot/p2prelease/internal/domain"
)

// Transition is a status change of a known order.
type Transition struct {
	Order domain.Order // as stored after the change
	From  domain.OrderStatus
	To    domain.OrderStatus
}

// Anomaly kinds.
const (
	AnomalyReopened  = "reopened"  // terminal order reported with another status; left frozen
	AnomalyRegressed = "regressed" // status moved back along the lifecycle; applied
)

// Anomaly is a reported status the normal lifecycle does not allow.
type Anomaly struct {
	OrderNumber string
	Kind        string
	Stored      domain.OrderStatus
	Reported    domain.OrderStatus
}

// Result is the outcome of comparing the stored snapshot with a fresh exchange listing.
type Result struct {
	New         []domain.Order
	Transitions []Transition
	Anomalies   []Anomaly
	// Snapshot is the stored snapshot with every change applied: statuses updated in
	// place and new orders appended. Nothing is ever removed.
	Snapshot []domain.Order
}

// Changed reports whether Snapshot differs from the input snapshot.
func (r Result) Changed() bool {
	return len(r.New) > 0 || len(r.Transitions) > 0
}

// Completed returns the transitions into COMPLETED.
func (r Result) Completed() []Transition {
	var out []Transition
	for _, t := range r.Transitions {
		if t.To == domain.OrderStatusCompleted {
			out = append(out, t)
		}
	}
	return out
}

// Diff classifies every order of remote against snapshot by order number. Orders in a
// terminal status are frozen. Neither input is modified.
func Diff(snapshot, remote []domain.Order) Result {
	res := Result{Snapshot: make([]domain.Order, len(snapshot), len(snapshot)+len(remote))}
	copy(res.Snapshot, snapshot)

	index := make(map[string]int, len(res.Snapshot))
	for i, o := range res.Snapshot {
		if _, dup := index[o.OrderNumber]; !dup {
			index[o.OrderNumber] = i
		}
	}

	for _, r := range remote {
		if r.OrderNumber == "" {
			continue
		}
		i, known := index[r.OrderNumber]
		if !known {
			index[r.OrderNumber] = len(res.Snapshot)
			res.Snapshot = append(res.Snapshot, r)
			res.New = append(res.New, r)
			continue
		}

		stored := &res.Snapshot[i]
		if stored.OrderStatus == r.OrderStatus || r.OrderStatus == "" {
			continue
		}
		if stored.OrderStatus.IsTerminal() {
			res.Anomalies = append(res.Anomalies, Anomaly{
				OrderNumber: r.OrderNumber, Kind: AnomalyReopened, Stored: stored.OrderStatus, Reported: r.OrderStatus,
			})
			continue
		}
		from := stored.OrderStatus
		if !r.OrderStatus.IsTerminal() && from.Rank() > 0 && r.OrderStatus.Rank() > 0 && r.OrderStatus.Rank() < from.Rank() {
			res.Anomalies = append(res.Anomalies, Anomaly{
				OrderNumber: r.OrderNumber, Kind: AnomalyRegressed, Stored: from, Reported: r.OrderStatus,
			})
		}
		stored.OrderStatus = r.OrderStatus
		res.Transitions = append(res.Transitions, Transition{Order: *stored, From: from, To: r.OrderStatus})
	}
	return res
}
