package state

import (
	"github.com/element-hq/element-admin-sub000/internal/session"
)

// AuthStore adapts the records directory to the session store's
// persistence port, keeping the auth record in a fixed location other
// processes can watch.
type AuthStore struct {
	records *Records
}

// NewAuthStore returns an AuthStore backed by records.
func NewAuthStore(records *Records) *AuthStore {
	return &AuthStore{records: records}
}

// LoadAuth reads the persisted auth record.
func (a *AuthStore) LoadAuth() (session.Record, bool, error) {
	var rec session.Record

	found, err := a.records.Load(RecordAuth, &rec)
	if err != nil {
		return session.Record{}, false, err
	}

	return rec, found, nil
}

// SaveAuth replaces the persisted auth record atomically.
func (a *AuthStore) SaveAuth(rec session.Record) error {
	return a.records.Save(RecordAuth, rec)
}
