// Package resolve matches externally-sourced personnel records against the
// canonical personnel set using a tiered heuristic, scores each match with a
// confidence in 0..1, and classifies canonical entities nothing referenced
// as orphans.
//
// The resolver is a pure function of (external records, canonical set);
// results are ephemeral and recomputed on every pass because the canonical
// set may have changed. Persisting outcomes is the caller's responsibility.
package resolve

import (
	"fmt"
	"log"
	"os"

	"github.com/agnivade/levenshtein"

	"github.com/rosterd/rosterd/internal/schema"
)

// MatchStatus classifies the outcome for one external record.
type MatchStatus string

const (
	StatusMatched  MatchStatus = "matched"
	StatusOrphaned MatchStatus = "orphaned"
	// StatusAmbiguous means more than one canonical entity fits equally
	// well. Never auto-resolved; all candidates are listed as conflicts.
	StatusAmbiguous MatchStatus = "ambiguous"
)

// Tier identifies which heuristic produced a match. Tiers are tried in
// order and the first success wins.
type Tier int

const (
	TierNone Tier = iota
	TierInternalID
	TierEmployeeID
	TierNameDepartment
	TierExtractedID
	TierFuzzyName
)

// Confidence constants per tier. Fuzzy confidence is similarity*0.5 and so
// never exceeds the name+department tier. Extraction is the weakest signal
// of all and scores below even the fuzzy ceiling.
const (
	confInternalID        = 1.0
	confEmployeeIDFull    = 0.95
	confEmployeeIDPartial = 0.8
	confNameDepartment    = 0.7
	confAmbiguous         = 0.3
	confExtractedID       = 0.45
	fuzzyThreshold        = 0.8
	fuzzyWeight           = 0.5
)

// Conflict describes one candidate the resolver could not choose between,
// or a field disagreement worth surfacing.
type Conflict struct {
	CandidateID string `json:"candidate_id"`
	Reason      string `json:"reason"`
}

// Match is the resolver's output for one external record.
type Match struct {
	Status     MatchStatus `json:"status"`
	TargetID   string      `json:"target,omitempty"`
	Confidence float64     `json:"confidence"`
	Tier       Tier        `json:"tier"`
	Conflicts  []Conflict  `json:"conflicts,omitempty"`
	Notes      []string    `json:"notes,omitempty"`
}

// Orphan is a canonical entity no external record matched at any tier.
type Orphan struct {
	PersonID   string `json:"person_id"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	Suggestion string `json:"suggestion"`
}

// Result holds one reconciliation pass: Matches is parallel to the external
// input slice; Orphans lists unreferenced canonical entities exactly once.
type Result struct {
	Matches []Match
	Orphans []Orphan
}

// Resolver matches external records against a canonical set.
type Resolver struct {
	extract ExtractConfig
	logger  *log.Logger
}

// New creates a resolver. If logger is nil, a default logger writing to
// stderr is used.
func New(logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}
	return &Resolver{extract: DefaultExtractConfig(), logger: logger}
}

// Resolve runs one reconciliation pass. Tiers are evaluated in order and the
// first success wins:
//
//  1. internal id (confidence 1.0; overrides stale name/department)
//  2. employee id (0.95 if name also matches, else 0.8; a department
//     mismatch is logged as a possible transfer, not an error)
//  3. exact name+department (0.7 unique; ambiguous 0.3 with all candidates)
//  4. id extracted from a composite reference (0.45, "extracted, unverified")
//  5. fuzzy name (similarity >= 0.8, confidence similarity*0.5)
//
// Everything else is orphaned.
func (r *Resolver) Resolve(external []schema.ExternalRecord, canonical []*schema.Personnel) *Result {
	idx := buildIndex(canonical)
	result := &Result{Matches: make([]Match, len(external))}
	matched := make(map[string]bool, len(canonical))

	for i, ext := range external {
		m := r.resolveOne(ext, idx)
		if m.Status == StatusMatched {
			matched[m.TargetID] = true
		}
		result.Matches[i] = m
	}

	// Orphan detection is O(N+M): one pass over canonical entities against
	// the matched-id set.
	for _, p := range canonical {
		if matched[p.ID] {
			continue
		}
		suggestion := "flag for manual reconciliation"
		if p.Status == schema.StatusActive {
			suggestion = "create placeholder external record or flag for manual reconciliation"
		}
		result.Orphans = append(result.Orphans, Orphan{
			PersonID:   p.ID,
			Name:       p.Name,
			Department: p.Department,
			Suggestion: suggestion,
		})
	}

	return result
}

func (r *Resolver) resolveOne(ext schema.ExternalRecord, idx *index) Match {
	// Tier 1: internal id. An id match overrides stale name/department
	// values; the record may represent a transfer, not a conflict.
	if ext.InternalID != "" {
		if p, ok := idx.byID[ext.InternalID]; ok {
			m := Match{Status: StatusMatched, TargetID: p.ID, Confidence: confInternalID, Tier: TierInternalID}
			if ext.Name != "" && ext.Name != p.Name {
				m.Notes = append(m.Notes, fmt.Sprintf("name differs (%q vs %q), id match wins", ext.Name, p.Name))
			}
			return m
		}
	}

	// Tier 2: employee id.
	if ext.EmployeeID != "" {
		if m, done := r.matchEmployeeID(ext, ext.EmployeeID, idx, false); done {
			return m
		}
	}

	// Tier 3: exact name + department. Both fields must be present;
	// a missing department is never defaulted.
	if ext.Name != "" && ext.Department != "" {
		candidates := idx.byNameDept[nameDeptKey(ext.Name, ext.Department)]
		if len(candidates) == 1 {
			return Match{Status: StatusMatched, TargetID: candidates[0].ID, Confidence: confNameDepartment, Tier: TierNameDepartment}
		}
		if len(candidates) > 1 {
			m := Match{Status: StatusAmbiguous, Confidence: confAmbiguous, Tier: TierNameDepartment}
			for _, c := range candidates {
				m.Conflicts = append(m.Conflicts, Conflict{
					CandidateID: c.ID,
					Reason:      fmt.Sprintf("duplicate name %q in department %q", c.Name, c.Department),
				})
			}
			return m
		}
	}

	// Tier 4: best-effort id extraction from the composite reference.
	// Extraction output is never promoted to tier-1/2 strength.
	if ext.EmployeeID == "" && ext.CompositeRef != "" {
		if id, ok := ExtractBusinessID(ext.CompositeRef, r.extract); ok {
			r.logger.Printf("extracted, unverified: business id %s from ref %q", id, ext.CompositeRef)
			if m, done := r.matchEmployeeID(ext, id, idx, true); done {
				return m
			}
		}
	}

	// Tier 5: fuzzy name.
	if ext.Name != "" {
		if m, done := r.matchFuzzy(ext, idx); done {
			return m
		}
	}

	return Match{Status: StatusOrphaned, Tier: TierNone}
}

// matchEmployeeID handles tiers 2 and 4. When extracted is true the match is
// downgraded to the extracted-id confidence and annotated.
func (r *Resolver) matchEmployeeID(ext schema.ExternalRecord, employeeID string, idx *index, extracted bool) (Match, bool) {
	candidates := idx.byEmployeeID[employeeID]
	if len(candidates) == 0 {
		return Match{}, false
	}
	// Employee id is expected unique but not enforced at storage level.
	// More than one holder means we must not guess.
	if len(candidates) > 1 {
		m := Match{Status: StatusAmbiguous, Confidence: confAmbiguous, Tier: TierEmployeeID}
		for _, c := range candidates {
			m.Conflicts = append(m.Conflicts, Conflict{
				CandidateID: c.ID,
				Reason:      fmt.Sprintf("employee id %s held by multiple entities", employeeID),
			})
		}
		return m, true
	}

	p := candidates[0]
	m := Match{Status: StatusMatched, TargetID: p.ID, Tier: TierEmployeeID}
	if extracted {
		m.Tier = TierExtractedID
		m.Confidence = confExtractedID
		m.Notes = append(m.Notes, "matched via extracted, unverified identifier")
	} else if ext.Name != "" && ext.Name == p.Name {
		m.Confidence = confEmployeeIDFull
	} else {
		m.Confidence = confEmployeeIDPartial
	}
	if ext.Department != "" && ext.Department != p.Department {
		// Employee id is the stronger signal; a department mismatch reads
		// as a possible transfer.
		r.logger.Printf("possible transfer: %s department %q -> %q (employee id %s)",
			p.Name, p.Department, ext.Department, employeeID)
		m.Notes = append(m.Notes, fmt.Sprintf("possible transfer: department %q vs %q", ext.Department, p.Department))
	}
	return m, true
}

func (r *Resolver) matchFuzzy(ext schema.ExternalRecord, idx *index) (Match, bool) {
	var best *schema.Personnel
	var bestSim float64
	var runnerUp float64
	for _, p := range idx.all {
		sim := Similarity(ext.Name, p.Name)
		if sim < fuzzyThreshold {
			continue
		}
		if sim > bestSim {
			runnerUp = bestSim
			best, bestSim = p, sim
		} else if sim > runnerUp {
			runnerUp = sim
		}
	}
	if best == nil {
		return Match{}, false
	}
	// Two equally similar names cannot be told apart.
	if runnerUp == bestSim {
		m := Match{Status: StatusAmbiguous, Confidence: confAmbiguous, Tier: TierFuzzyName}
		for _, p := range idx.all {
			if Similarity(ext.Name, p.Name) == bestSim {
				m.Conflicts = append(m.Conflicts, Conflict{
					CandidateID: p.ID,
					Reason:      fmt.Sprintf("name %q equally similar to %q", p.Name, ext.Name),
				})
			}
		}
		return m, true
	}
	return Match{
		Status:     StatusMatched,
		TargetID:   best.ID,
		Confidence: bestSim * fuzzyWeight,
		Tier:       TierFuzzyName,
		Notes:      []string{fmt.Sprintf("fuzzy name match %q ~ %q (similarity %.2f)", ext.Name, best.Name, bestSim)},
	}, true
}

// Similarity returns an edit-distance-based similarity in 0..1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

type index struct {
	all          []*schema.Personnel
	byID         map[string]*schema.Personnel
	byEmployeeID map[string][]*schema.Personnel
	byNameDept   map[string][]*schema.Personnel
}

func buildIndex(canonical []*schema.Personnel) *index {
	idx := &index{
		all:          canonical,
		byID:         make(map[string]*schema.Personnel, len(canonical)),
		byEmployeeID: make(map[string][]*schema.Personnel),
		byNameDept:   make(map[string][]*schema.Personnel),
	}
	for _, p := range canonical {
		idx.byID[p.ID] = p
		if p.EmployeeID != "" {
			idx.byEmployeeID[p.EmployeeID] = append(idx.byEmployeeID[p.EmployeeID], p)
		}
		if p.Name != "" && p.Department != "" {
			key := nameDeptKey(p.Name, p.Department)
			idx.byNameDept[key] = append(idx.byNameDept[key], p)
		}
	}
	return idx
}

func nameDeptKey(name, dept string) string {
	return name + "\x00" + dept
}
