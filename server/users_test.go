package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// userDirectorySuite runs the same behaviour checks against every backend.
type userDirectorySuite struct {
	suite.Suite
	open func(t *testing.T) UserDirectory
	dir  UserDirectory
	ctx  context.Context
}

func (s *userDirectorySuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.open(s.T())
}

func (s *userDirectorySuite) TestCreateAndGet() {
	created, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "user-123", Username: "alice", Email: "alice@example.com"})
	s.Require().NoError(err)
	s.True(created)

	rec, err := s.dir.Get(s.ctx, "user-123")
	s.Require().NoError(err)
	s.Equal(UserRecord{Subject: "user-123", Username: "alice", Email: "alice@example.com"}, rec)
}

func (s *userDirectorySuite) TestCreateIfAbsentKeepsExistingRecord() {
	_, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "user-123", Username: "alice", Email: "alice@example.com"})
	s.Require().NoError(err)

	created, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "user-123", Username: "mallory", Email: "mallory@example.com"})
	s.Require().NoError(err)
	s.False(created)

	rec, err := s.dir.Get(s.ctx, "user-123")
	s.Require().NoError(err)
	s.Equal("alice", rec.Username)
	s.Equal("alice@example.com", rec.Email)
}

func (s *userDirectorySuite) TestEmptyFieldsAllowed() {
	created, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "user-456"})
	s.Require().NoError(err)
	s.True(created)

	rec, err := s.dir.Get(s.ctx, "user-456")
	s.Require().NoError(err)
	s.Empty(rec.Username)
	s.Empty(rec.Email)
}

func (s *userDirectorySuite) TestUsernameNotUnique() {
	for _, sub := range []string{"a", "b"} {
		created, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: sub, Username: "same", Email: "same@example.com"})
		s.Require().NoError(err)
		s.True(created)
	}
	for _, sub := range []string{"a", "b"} {
		rec, err := s.dir.Get(s.ctx, sub)
		s.Require().NoError(err)
		s.Equal("same", rec.Username)
		s.Equal("same@example.com", rec.Email)
	}
}

func (s *userDirectorySuite) TestSubjectRequired() {
	_, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Username: "nobody"})
	s.Error(err)
}

func (s *userDirectorySuite) TestGetMissing() {
	_, err := s.dir.Get(s.ctx, "missing")
	s.ErrorIs(err, ErrUserNotFound)
}

func (s *userDirectorySuite) TestDelete() {
	_, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "user-123", Username: "alice"})
	s.Require().NoError(err)

	s.Require().NoError(s.dir.Delete(s.ctx, "user-123"))
	_, err = s.dir.Get(s.ctx, "user-123")
	s.ErrorIs(err, ErrUserNotFound)

	s.ErrorIs(s.dir.Delete(s.ctx, "user-123"), ErrUserNotFound)
}

func (s *userDirectorySuite) TestConcurrentCreateSingleWinner() {
	const workers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.dir.CreateIfAbsent(s.ctx, UserRecord{Subject: "racer", Username: fmt.Sprintf("u%d", i)})
			if assert.NoError(s.T(), err) && created {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func TestMemoryUserDirectory(t *testing.T) {
	suite.Run(t, &userDirectorySuite{open: func(t *testing.T) UserDirectory {
		return NewMemoryUserDirectory()
	}})
}

func TestSQLiteUserDirectory(t *testing.T) {
	suite.Run(t, &userDirectorySuite{open: func(t *testing.T) UserDirectory {
		dir, err := OpenSQLiteUserDirectory(filepath.Join(t.TempDir(), "users.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = dir.Close() })
		return dir
	}})
}

func TestSQLiteUserDirectoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	dir, err := OpenSQLiteUserDirectory(path)
	require.NoError(t, err)
	_, err = dir.CreateIfAbsent(context.Background(), UserRecord{Subject: "user-123", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	reopened, err := OpenSQLiteUserDirectory(path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(context.Background(), "user-123")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
}

func TestOpenSQLiteUserDirectoryRequiresPath(t *testing.T) {
	_, err := OpenSQLiteUserDirectory("  ")
	assert.Error(t, err)
}

func TestMemoryUserDirectoryCanceledContext(t *testing.T) {
	dir := NewMemoryUserDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dir.CreateIfAbsent(ctx, UserRecord{Subject: "user-123"})
	assert.ErrorIs(t, err, context.Canceled)
}
