// Package docstore implements the transactional UID/GID counter and
// username/group mapping store described in spec.md §2, §4.4. It plays the
// role the spec calls a "document store" (e.g. Firestore in the source
// system); this repo realizes the same transactional-counter pattern over
// gorm.io/gorm, the ORM arkeep-io/arkeep uses for its own
// transaction-per-mutation model, with two fixed-column tables
// (id_counters, id_mappings) standing in for Firestore collections.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/authgw/authgw/gwerrors"
)

// ErrExhausted is returned when a namespace's configured id range is used
// up, surfaced to callers as gwerrors.KindFirestoreExhausted per spec.md §7.
var ErrExhausted = errors.New("docstore: id range exhausted")

// counterDoc is the transactional counter row for one namespace (e.g.
// "uid", "gid", "uid-bot", "gid-bot").
type counterDoc struct {
	Namespace string `gorm:"primaryKey"`
	Next      int64
}

// mappingDoc is the immutable name -> id assignment within a namespace.
type mappingDoc struct {
	Namespace string `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey"`
	ID        int64  `gorm:"uniqueIndex:mapping_id_idx"`
}

func (counterDoc) TableName() string { return "id_counters" }
func (mappingDoc) TableName() string { return "id_mappings" }

// Range bounds the ids a namespace may allocate; Low is inclusive, High is
// exclusive. Bots allocate from a distinct, non-overlapping Range
// (spec.md §4.4).
type Range struct {
	Low  int64
	High int64
}

// Store is the document-store adapter.
type Store struct {
	db *gorm.DB
}

// Open runs the auto-migration for the counter/mapping tables and returns a
// Store. Using gorm.AutoMigrate here plays the same bootstrapping role
// dex's storage adapters' "Open" methods do for their own schemas.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&counterDoc{}, &mappingDoc{}); err != nil {
		return nil, fmt.Errorf("docstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Allocate resolves name to an id within namespace, assigning the next
// value from namespace's counter (seeded to r.Low) if name has never been
// seen. The read-increment-write happens inside one transaction so
// concurrent allocations in the same namespace serialize on the counter
// row, matching spec.md §4.4's "single transactional counter per
// namespace".
func (s *Store) Allocate(ctx context.Context, namespace, name string, r Range) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing mappingDoc
		err := tx.Where("namespace = ? AND name = ?", namespace, name).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		counterQuery := tx
		if tx.Dialector.Name() != "sqlite" {
			// SQLite has no SELECT ... FOR UPDATE syntax and serializes
			// writers at the database level regardless; Postgres needs the
			// explicit row lock so two concurrent transactions can't both
			// read the same counter value before either commits.
			counterQuery = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var counter counterDoc
		err = counterQuery.Where("namespace = ?", namespace).First(&counter).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			counter = counterDoc{Namespace: namespace, Next: r.Low}
		case err != nil:
			return err
		}

		if counter.Next >= r.High {
			return ErrExhausted
		}
		assigned := counter.Next
		counter.Next++

		if err := tx.Save(&counter).Error; err != nil {
			return err
		}
		if err := tx.Create(&mappingDoc{Namespace: namespace, Name: name, ID: assigned}).Error; err != nil {
			return err
		}
		id = assigned
		return nil
	})
	if errors.Is(err, ErrExhausted) {
		return 0, gwerrors.New(gwerrors.KindFirestoreExhausted, fmt.Sprintf("no available id in namespace %q", namespace))
	}
	if err != nil {
		return 0, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "document store transaction failed", err)
	}
	return id, nil
}

// NamespaceAllocator adapts Store to useridcache.Allocator for one fixed
// namespace and range, so the uid cache and the gid cache can each wrap a
// dedicated NamespaceAllocator.
type NamespaceAllocator struct {
	Store     *Store
	Namespace string
	Range     Range
}

func (a *NamespaceAllocator) Allocate(ctx context.Context, name string) (int64, error) {
	return a.Store.Allocate(ctx, a.Namespace, name, a.Range)
}
