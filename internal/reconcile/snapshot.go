// Package reconcile resolves conflicts between a locally edited expense and
// the version the remote holds.
//
// Resolution is a binary choice made by the user. Keep Server replaces the
// local copy and drops the queued edits; Keep Local requeues the edit in its
// original position. Fields are never merged automatically.
package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

// Section groups related fields in a Snapshot.
type Section string

const (
	SectionAmounts      Section = "amounts"
	SectionParticipants Section = "participants"
	SectionMetadata     Section = "metadata"
)

// Field is one compared value. Local or Remote is empty when the value does
// not exist on that side.
type Field struct {
	Section Section `json:"section"`
	Key     string  `json:"key"`
	Local   string  `json:"local"`
	Remote  string  `json:"remote"`
	Differs bool    `json:"differs"`
}

// Snapshot is the side-by-side view of a conflicting expense.
type Snapshot struct {
	EntityID    string  `json:"entity_id"`
	OperationID int64   `json:"operation_id"`
	Fields      []Field `json:"fields"`
}

// Section returns the fields of one section in their declared order.
func (s *Snapshot) Section(sec Section) []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Section == sec {
			out = append(out, f)
		}
	}
	return out
}

// Conflicts returns the fields whose values differ.
func (s *Snapshot) Conflicts() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Differs {
			out = append(out, f)
		}
	}
	return out
}

// Compare lists every field of the two expense versions in a fixed order:
// amounts (total, then one row per split user sorted by id), participants,
// then metadata. Either side may be nil.
func Compare(local, remote *payload.ExpenseSnapshot) []Field {
	var lv, rv expenseView
	if local != nil {
		lv = viewOf(local)
	}
	if remote != nil {
		rv = viewOf(remote)
	}

	fields := []Field{field(SectionAmounts, "amount", lv.amount, rv.amount)}

	for _, user := range unionKeys(lv.splits, rv.splits) {
		fields = append(fields, field(SectionAmounts, "split:"+user, lv.splits[user], rv.splits[user]))
	}

	return append(fields,
		field(SectionParticipants, "payer", lv.payer, rv.payer),
		field(SectionParticipants, "participants", lv.participants, rv.participants),
		field(SectionMetadata, "description", lv.description, rv.description),
		field(SectionMetadata, "date", lv.date, rv.date),
		field(SectionMetadata, "group", lv.group, rv.group),
	)
}

type expenseView struct {
	amount       string
	splits       map[string]string
	payer        string
	participants string
	description  string
	date         string
	group        string
}

func viewOf(snap *payload.ExpenseSnapshot) expenseView {
	v := expenseView{
		amount:      models.FormatMoney(snap.Expense.Amount),
		splits:      make(map[string]string, len(snap.Splits)),
		payer:       snap.Expense.PayerID,
		description: snap.Expense.Description,
		date:        time.Unix(snap.Expense.Date, 0).UTC().Format(time.RFC3339),
		group:       snap.Expense.GroupID,
	}

	users := make([]string, 0, len(snap.Splits))
	for _, sp := range snap.Splits {
		v.splits[sp.UserID] = models.FormatMoney(sp.Amount)
		users = append(users, sp.UserID)
	}
	slices.Sort(users)
	v.participants = strings.Join(users, ",")

	return v
}

func field(sec Section, key, local, remote string) Field {
	return Field{Section: sec, Key: key, Local: local, Remote: remote, Differs: local != remote}
}

func unionKeys(a, b map[string]string) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
