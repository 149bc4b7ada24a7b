// Package importer converts externally-produced data into the collection
// shapes consumed by the versioned object store, invoking the entity
// resolver for records that reference personnel by name/department instead
// of internal id.
//
// Accepted payload shapes:
//   - the canonical current shape (collections at the top level)
//   - the legacy export shape wrapping the real payload one level deeper
//     under a metadata/data envelope
//   - flat arrays where a map-by-key is expected
//
// If none of the recognized top-level shapes are present the whole payload
// is rejected; otherwise the recognized parts are imported and the rest is
// reported as skipped.
package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/rosterd/rosterd/internal/resolve"
	"github.com/rosterd/rosterd/internal/schema"
)

// ErrValidationFailed means the payload matched none of the known shapes.
// Nothing is imported in that case.
var ErrValidationFailed = errors.New("validation failed: unrecognized payload shape")

// Result reports one import pass.
type Result struct {
	// Database holds the normalized fragment: only recognized collections
	// are populated.
	Database *schema.Database

	// Imported counts records per collection.
	Imported map[string]int

	// Skipped lists unrecognized top-level keys.
	Skipped []string

	// Personnel reconciliation detail.
	Matches     []resolve.Match
	Orphans     []resolve.Orphan
	Created     int // new canonical entities minted for unmatched records
	Merged      int // external records merged onto existing entities
	NeedsReview int // ambiguous records held back for manual resolution
}

// Normalizer converts external payloads into canonical collection shapes.
type Normalizer struct {
	resolver *resolve.Resolver
	logger   *log.Logger
}

// New creates a normalizer. If logger is nil, a default logger writing to
// stderr is used.
func New(resolver *resolve.Resolver, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	if resolver == nil {
		resolver = resolve.New(logger)
	}
	return &Normalizer{resolver: resolver, logger: logger}
}

// recognized collection keys at the payload's top level.
var recognizedKeys = map[string]bool{
	schema.CollectionPersonnel:   true,
	schema.CollectionAssessments: true,
	schema.CollectionAttendance:  true,
	schema.CollectionRequests:    true,
	schema.CollectionSettings:    true,
}

// Normalize parses raw against the known shapes and reconciles its
// personnel records against the canonical set.
func (n *Normalizer) Normalize(raw []byte, canonical []*schema.Personnel) (*Result, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	// Legacy exports wrap the real payload under a metadata/data envelope.
	if inner, ok := top["data"]; ok && !hasRecognizedKey(top) {
		var unwrapped map[string]json.RawMessage
		if err := json.Unmarshal(inner, &unwrapped); err != nil {
			return nil, fmt.Errorf("%w: legacy envelope: %v", ErrValidationFailed, err)
		}
		n.logger.Printf("Legacy export envelope detected, unwrapping")
		top = unwrapped
	}

	if !hasRecognizedKey(top) {
		return nil, ErrValidationFailed
	}

	result := &Result{
		Database: schema.NewDatabase(),
		Imported: make(map[string]int),
	}
	for key := range top {
		if !recognizedKeys[key] && key != "meta" {
			result.Skipped = append(result.Skipped, key)
		}
	}
	sort.Strings(result.Skipped)

	if rawPersonnel, ok := top[schema.CollectionPersonnel]; ok {
		if err := n.normalizePersonnel(rawPersonnel, canonical, result); err != nil {
			return nil, err
		}
	}
	if raw, ok := top[schema.CollectionAssessments]; ok {
		if err := normalizeKeyed(raw, result, schema.CollectionAssessments,
			result.Database.Assessments, func(s *schema.AssessmentSheet) string { return s.YearMonth }); err != nil {
			return nil, err
		}
	}
	if raw, ok := top[schema.CollectionAttendance]; ok {
		if err := normalizeKeyed(raw, result, schema.CollectionAttendance,
			result.Database.Attendance, func(m *schema.AttendanceMonth) string { return m.Month }); err != nil {
			return nil, err
		}
	}
	if raw, ok := top[schema.CollectionRequests]; ok {
		if err := normalizeKeyed(raw, result, schema.CollectionRequests,
			result.Database.Requests, func(r *schema.Request) string { return r.ID }); err != nil {
			return nil, err
		}
	}
	if raw, ok := top[schema.CollectionSettings]; ok {
		var settings map[string]string
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("%w: settings: %v", ErrValidationFailed, err)
		}
		result.Database.Settings = settings
		result.Imported[schema.CollectionSettings] = len(settings)
	}

	n.logger.Printf("Import normalized: %v (skipped: %v)", result.Imported, result.Skipped)
	return result, nil
}

// normalizePersonnel decodes the personnel collection (map or array),
// resolves every record against the canonical set, and builds the merged
// canonical collection: matched records update their target entity,
// unmatched ones mint a new entity, ambiguous ones are held for review.
func (n *Normalizer) normalizePersonnel(raw json.RawMessage, canonical []*schema.Personnel, result *Result) error {
	externals, err := decodeExternalRecords(raw)
	if err != nil {
		return err
	}

	res := n.resolver.Resolve(externals, canonical)
	result.Matches = res.Matches
	result.Orphans = res.Orphans

	// Start from the canonical set; external data never silently drops an
	// existing entity.
	byID := make(map[string]*schema.Personnel, len(canonical))
	for _, p := range canonical {
		clone := *p
		byID[p.ID] = &clone
	}

	for i, ext := range externals {
		m := res.Matches[i]
		switch m.Status {
		case resolve.StatusMatched:
			target := byID[m.TargetID]
			mergeExternal(target, ext)
			result.Merged++
		case resolve.StatusAmbiguous:
			// Never guess between candidates; hold the record back.
			result.NeedsReview++
			n.logger.Printf("Needs review: ambiguous record %q/%q (%d candidates)",
				ext.Name, ext.Department, len(m.Conflicts))
		case resolve.StatusOrphaned:
			if ext.Name == "" {
				result.NeedsReview++
				n.logger.Printf("Needs review: record with no name and no match")
				continue
			}
			if ext.Department == "" {
				// A missing department is never defaulted; surface instead.
				result.NeedsReview++
				n.logger.Printf("Needs review: %q has no department", ext.Name)
				continue
			}
			p := schema.NewPersonnel(ext.Name, ext.Department, ext.EmployeeID)
			if ext.Status != "" && schema.ValidStatus(ext.Status) {
				p.Status = ext.Status
			}
			byID[p.ID] = p
			result.Created++
		}
	}

	for id, p := range byID {
		result.Database.Personnel[id] = p
	}
	result.Imported[schema.CollectionPersonnel] = len(result.Database.Personnel)
	return nil
}

func mergeExternal(target *schema.Personnel, ext schema.ExternalRecord) {
	changed := false
	if ext.Name != "" && ext.Name != target.Name {
		target.Name = ext.Name
		changed = true
	}
	if ext.Department != "" && ext.Department != target.Department {
		target.Department = ext.Department
		changed = true
	}
	if ext.EmployeeID != "" && ext.EmployeeID != target.EmployeeID {
		target.EmployeeID = ext.EmployeeID
		changed = true
	}
	if ext.Status != "" && schema.ValidStatus(ext.Status) && ext.Status != target.Status {
		target.Status = ext.Status
		changed = true
	}
	if changed {
		target.UpdatedAt = time.Now().UTC()
	}
}

// decodeExternalRecords accepts either a map keyed by id or a flat array.
func decodeExternalRecords(raw json.RawMessage) ([]schema.ExternalRecord, error) {
	var asMap map[string]schema.ExternalRecord
	if err := json.Unmarshal(raw, &asMap); err == nil {
		keys := make([]string, 0, len(asMap))
		for k := range asMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]schema.ExternalRecord, 0, len(asMap))
		for _, k := range keys {
			rec := asMap[k]
			if rec.InternalID == "" {
				rec.InternalID = k
			}
			out = append(out, rec)
		}
		return out, nil
	}
	var asArray []schema.ExternalRecord
	if err := json.Unmarshal(raw, &asArray); err != nil {
		return nil, fmt.Errorf("%w: personnel: %v", ErrValidationFailed, err)
	}
	return asArray, nil
}

// normalizeKeyed accepts either a map keyed by the collection's key field or
// a flat array, normalizing the latter into a map.
func normalizeKeyed[V any](raw json.RawMessage, result *Result, name string, out map[string]*V, keyOf func(*V) string) error {
	var asMap map[string]*V
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for k, v := range asMap {
			if v == nil {
				return fmt.Errorf("%w: %s: null record %q", ErrValidationFailed, name, k)
			}
			out[k] = v
		}
		result.Imported[name] = len(asMap)
		return nil
	}
	var asArray []*V
	if err := json.Unmarshal(raw, &asArray); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidationFailed, name, err)
	}
	count := 0
	for i, v := range asArray {
		if v == nil {
			return fmt.Errorf("%w: %s: null element at index %d", ErrValidationFailed, name, i)
		}
		key := keyOf(v)
		if key == "" {
			// Auto-keyed records get their surrogate at save time; index
			// positionally until then.
			key = fmt.Sprintf("pending-%d", i)
		}
		out[key] = v
		count++
	}
	result.Imported[name] = count
	return nil
}

func hasRecognizedKey(top map[string]json.RawMessage) bool {
	for key := range top {
		if recognizedKeys[key] {
			return true
		}
	}
	return false
}
