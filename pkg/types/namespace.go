package types

import "strings"

// Namespace identifies a (database, collection) pair. Measurements are
// partitioned by namespace before any metadata routing happens.
type Namespace struct {
	DB   string
	Coll string
}

// NewNamespace creates a namespace from a database and collection name.
func NewNamespace(db, coll string) Namespace {
	return Namespace{DB: db, Coll: coll}
}

// ParseNamespace splits "db.coll" into a Namespace. Everything before the
// first dot is the database; the rest (which may itself contain dots) is the
// collection.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, found := strings.Cut(s, ".")
	if !found || db == "" || coll == "" {
		return Namespace{}, ErrInvalidNamespace
	}
	return Namespace{DB: db, Coll: coll}, nil
}

// String renders the namespace as "db.coll".
func (ns Namespace) String() string {
	return ns.DB + "." + ns.Coll
}

// IsEmpty reports whether the namespace is unset.
func (ns Namespace) IsEmpty() bool {
	return ns.DB == "" && ns.Coll == ""
}

// SameDB reports whether the namespace belongs to the given database.
func (ns Namespace) SameDB(db string) bool {
	return ns.DB == db
}
