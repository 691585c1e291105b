package metricscache

import (
	"strings"
)

// Staging/summary lifecycle columns the enrollment windows are built from.
const (
	colSignUp      = "sign_up_time"
	colConsent     = "consent_for_study_enrollment_time"
	colEHRConsent  = "consent_for_electronic_health_records_time"
	colMember      = "enrollment_status_member_time"
	colCoreOrdered = "enrollment_status_core_ordered_sample_time"
	colCoreStored  = "enrollment_status_core_stored_sample_time"

	// colCore is resolved to the ordered or stored sample column.
	colCore = "$core"
)

// Point-in-time enrollment statuses as stored in cache rows.
const (
	StatusRegistered  = "registered"
	StatusParticipant = "participant"
	StatusConsented   = "consented"
	StatusCore        = "core"
)

// Core sample time definitions.
const (
	CoreSampleStored  = "STORED"
	CoreSampleOrdered = "ORDERED"
)

// Window is the half-open interval [Start, first non-null of Ends) during
// which a participant holds Status. An empty Ends leaves the window open.
type Window struct {
	Status string
	Start  string
	Ends   []string
}

// Tiers selects an enrollment taxonomy.
type Tiers int

const (
	ThreeTier Tiers = 3
	FourTier  Tiers = 4
)

var fourTierWindows = []Window{
	{Status: StatusRegistered, Start: colSignUp, Ends: []string{colConsent, colMember, colCore}},
	{Status: StatusParticipant, Start: colConsent, Ends: []string{colMember, colCore}},
	{Status: StatusConsented, Start: colMember, Ends: []string{colCore}},
	{Status: StatusCore, Start: colCore},
}

var threeTierWindows = []Window{
	{Status: StatusRegistered, Start: colSignUp, Ends: []string{colMember, colCore}},
	{Status: StatusConsented, Start: colMember, Ends: []string{colCore}},
	{Status: StatusCore, Start: colCore},
}

// Windows returns the window table for a taxonomy.
func Windows(t Tiers) []Window {
	if t == ThreeTier {
		return threeTierWindows
	}
	return fourTierWindows
}

// WindowFor returns the window holding status, if the taxonomy has one.
func WindowFor(t Tiers, status string) (Window, bool) {
	for _, w := range Windows(t) {
		if w.Status == status {
			return w, true
		}
	}
	return Window{}, false
}

// CoreSampleColumn maps a core sample definition to its column.
func CoreSampleColumn(def string) string {
	if strings.EqualFold(def, CoreSampleOrdered) {
		return colCoreOrdered
	}
	return colCoreStored
}

// columnRef renders a logical lifecycle column as SQL.
type columnRef func(col string) string

// stagingRef reads columns from a staging table aliased ps.
func stagingRef(coreCol string) columnRef {
	return func(col string) string {
		if col == colCore {
			col = coreCol
		}
		return ps(col)
	}
}

// liveRef reads columns from participant p LEFT JOIN participant_summary ps.
func liveRef(coreCol string) columnRef {
	return func(col string) string {
		switch col {
		case colCore:
			return ps(coreCol)
		case colSignUp:
			return "COALESCE(ps.sign_up_time, p.sign_up_time)"
		}
		return ps(col)
	}
}

// reachedBy is true when the timestamp column is set on or before day.
func reachedBy(ref columnRef, col, day string) string {
	return ref(col) + " IS NOT NULL AND " + dayOf(ref(col)) + " <= " + day
}

// predicate renders the window as a boolean SQL expression over day.
// Timestamps are compared at day granularity.
func (w Window) predicate(ref columnRef, day string) string {
	start := reachedBy(ref, w.Start, day)
	if len(w.Ends) == 0 {
		return "(" + start + ")"
	}

	var end string
	if len(w.Ends) == 1 {
		end = ref(w.Ends[0])
	} else {
		refs := make([]string, len(w.Ends))
		for i, c := range w.Ends {
			refs[i] = ref(c)
		}
		end = "COALESCE(" + strings.Join(refs, ", ") + ")"
	}
	return "(" + start + " AND (" + end + " IS NULL OR " + dayOf(end) + " > " + day + "))"
}

// anyWindow ORs the windows of the given statuses.
func anyWindow(t Tiers, statuses []string, ref columnRef, day string) string {
	var parts []string
	for _, s := range statuses {
		if w, ok := WindowFor(t, s); ok {
			parts = append(parts, w.predicate(ref, day))
		}
	}
	if len(parts) == 0 {
		return "1 = 0"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

var statusAliases = map[string][]string{
	// v1 vocabulary
	"INTERESTED":       {StatusRegistered, StatusParticipant},
	"MEMBER":           {StatusConsented},
	"FULL_PARTICIPANT": {StatusCore},
	// v2 vocabulary
	"REGISTERED":       {StatusRegistered},
	"PARTICIPANT":      {StatusParticipant},
	"FULLY_CONSENTED":  {StatusConsented},
	"CORE_PARTICIPANT": {StatusCore},
}

// ResolveStatuses maps request enrollment statuses (v1 or v2 vocabulary)
// onto the statuses a taxonomy stores. The three-tier taxonomy folds
// participant into registered.
func ResolveStatuses(raw []string, t Tiers) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, r := range raw {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		mapped, ok := statusAliases[r]
		if !ok {
			return nil, BadRequestf("invalid enrollment status: %q", r)
		}
		for _, s := range mapped {
			if t == ThreeTier && s == StatusParticipant {
				s = StatusRegistered
			}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// StatusNames lists the statuses of a taxonomy in window order.
func StatusNames(t Tiers) []string {
	ws := Windows(t)
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Status
	}
	return out
}
