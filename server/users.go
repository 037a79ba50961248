package server

import (
	"context"
	"errors"
	"sync"
)

// ErrUserNotFound is returned when no user exists for a subject.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory stores user records keyed by IdP subject.
type UserDirectory interface {
	Get(ctx context.Context, subject string) (UserRecord, error)
	// CreateIfAbsent inserts rec unless its subject exists. An existing record
	// is left untouched and created is false.
	CreateIfAbsent(ctx context.Context, rec UserRecord) (created bool, err error)
	Delete(ctx context.Context, subject string) error
}

// MemoryUserDirectory is a process-local UserDirectory.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]UserRecord
}

// NewMemoryUserDirectory returns an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[string]UserRecord)}
}

func (d *MemoryUserDirectory) Get(ctx context.Context, subject string) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.users[subject]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return rec, nil
}

func (d *MemoryUserDirectory) CreateIfAbsent(ctx context.Context, rec UserRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec.Subject == "" {
		return false, errors.New("user subject required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[rec.Subject]; ok {
		return false, nil
	}
	d.users[rec.Subject] = rec
	return true, nil
}

func (d *MemoryUserDirectory) Delete(ctx context.Context, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[subject]; !ok {
		return ErrUserNotFound
	}
	delete(d.users, subject)
	return nil
}
