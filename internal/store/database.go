package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rosterd/rosterd/internal/schema"
)

// SaveDatabase replaces every collection with the contents of db in a single
// transaction. A failure on any collection rolls back the whole save; the
// previously persisted data stays readable and ErrTransactionAborted is
// returned. Requests without an id are assigned surrogate keys from the
// collection's sequence inside the same transaction.
func (s *Store) SaveDatabase(ctx context.Context, db *schema.Database) error {
	db.Normalize()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	// Assign surrogate keys before marshaling so the stored doc carries
	// its final id.
	for key, req := range db.Requests {
		if req.ID == "" {
			next, err := s.nextKeyInTx(ctx, tx, schema.CollectionRequests)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
			}
			req.ID = next
			delete(db.Requests, key)
			db.Requests[next] = req
		}
	}

	saves := []struct {
		name string
		recs []Record
		err  error
	}{
		{name: schema.CollectionPersonnel},
		{name: schema.CollectionAssessments},
		{name: schema.CollectionAttendance},
		{name: schema.CollectionRequests},
		{name: schema.CollectionSettings},
	}
	saves[0].recs, saves[0].err = marshalMap(db.Personnel)
	saves[1].recs, saves[1].err = marshalMap(db.Assessments)
	saves[2].recs, saves[2].err = marshalMap(db.Attendance)
	saves[3].recs, saves[3].err = marshalMap(db.Requests)
	saves[4].recs, saves[4].err = marshalMap(db.Settings)

	for _, save := range saves {
		if save.err != nil {
			return fmt.Errorf("%w: failed to marshal %s: %v", ErrTransactionAborted, save.name, save.err)
		}
		if err := s.replaceInTx(ctx, tx, save.name, save.recs); err != nil {
			return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit failed: %v", ErrTransactionAborted, err)
	}
	return nil
}

// LoadDatabase reads every collection into a Database value.
func (s *Store) LoadDatabase(ctx context.Context) (*schema.Database, error) {
	db := schema.NewDatabase()

	if err := unmarshalInto(ctx, s, schema.CollectionPersonnel, db.Personnel); err != nil {
		return nil, err
	}
	if err := unmarshalInto(ctx, s, schema.CollectionAssessments, db.Assessments); err != nil {
		return nil, err
	}
	if err := unmarshalInto(ctx, s, schema.CollectionAttendance, db.Attendance); err != nil {
		return nil, err
	}
	if err := unmarshalInto(ctx, s, schema.CollectionRequests, db.Requests); err != nil {
		return nil, err
	}

	recs, err := s.ReadCollection(ctx, schema.CollectionSettings)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		var v string
		if err := json.Unmarshal(r.Doc, &v); err != nil {
			return nil, fmt.Errorf("corrupt setting %s: %w", r.Key, err)
		}
		db.Settings[r.Key] = v
	}

	return db, nil
}

func marshalMap[V any](m map[string]V) ([]Record, error) {
	recs := make([]Record, 0, len(m))
	for key, v := range m {
		doc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", key, err)
		}
		recs = append(recs, Record{Key: key, Doc: doc})
	}
	return recs, nil
}

func unmarshalInto[V any](ctx context.Context, s *Store, name string, out map[string]*V) error {
	recs, err := s.ReadCollection(ctx, name)
	if err != nil {
		return err
	}
	for _, r := range recs {
		v := new(V)
		if err := json.Unmarshal(r.Doc, v); err != nil {
			return fmt.Errorf("corrupt record %s/%s: %w", name, r.Key, err)
		}
		out[r.Key] = v
	}
	return nil
}
