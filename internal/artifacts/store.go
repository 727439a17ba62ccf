// Package artifacts stores versioned code bundles: an immutable record in the
// artifact repository plus the bytes in object storage.
//
// In-flight deploys hold a Lease on the artifact they use. A deploy that added
// the artifact and then failed owes a rollback. The rollback runs when the
// last lease is released, and only if no deploy committed against the
// artifact in the meantime.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/storage/objectstore"
)

const contentType = "application/octet-stream"

type Store struct {
	records repo.ArtifactRepository
	apps    repo.ApplicationRepository
	blobs   objectstore.Store
	bucket  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// adds serializes Add per artifact id so concurrent adds in this process
	// never write the same object key.
	adds *keylock.Locker

	mu     sync.Mutex
	leases map[domain.ArtifactID]*leaseState
}

type leaseState struct {
	refs         int
	rollbackOwed bool
	committed    bool
	// draining is closed once an owed rollback or a Delete has finished.
	draining chan struct{}
}

func NewStore(records repo.ArtifactRepository, apps repo.ApplicationRepository, blobs objectstore.Store, bucket string, logger *slog.Logger) (*Store, error) {
	if records == nil {
		return nil, errors.New("artifact repository is required")
	}
	if apps == nil {
		return nil, errors.New("application repository is required")
	}
	if blobs == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: records,
		apps:    apps,
		blobs:   blobs,
		bucket:  bucket,
		logger:  logger,
		metrics: metrics.Default(),
		now:     time.Now,
		adds:    keylock.New(),
		leases:  map[domain.ArtifactID]*leaseState{},
	}, nil
}

// ObjectKey is where the bytes of id are stored.
func ObjectKey(id domain.ArtifactID) string {
	return fmt.Sprintf("%s/artifacts/%s/%s", id.Namespace, id.Name, id.Version)
}

// Checksum returns the hex SHA-256 of body.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Get returns the record or domain.ErrArtifactNotFound.
func (s *Store) Get(ctx context.Context, id domain.ArtifactID) (domain.ArtifactRecord, error) {
	record, err := s.records.GetArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ArtifactRecord{}, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, id)
		}
		return domain.ArtifactRecord{}, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return record, nil
}

// Add stores body under id. Adding identical bytes to an existing id is a
// no-op that returns the existing record with added=false; different bytes
// yield domain.ErrArtifactConflict.
func (s *Store) Add(ctx context.Context, id domain.ArtifactID, body []byte) (domain.ArtifactRecord, bool, error) {
	if err := id.Validate(); err != nil {
		return domain.ArtifactRecord{}, false, err
	}
	if len(body) == 0 {
		return domain.ArtifactRecord{}, false, errors.New("artifact body is empty")
	}
	unlock, err := s.adds.Lock(ctx, id.String())
	if err != nil {
		return domain.ArtifactRecord{}, false, err
	}
	defer unlock()

	sum := Checksum(body)
	existing, err := s.Get(ctx, id)
	switch {
	case err == nil:
		if existing.SHA256 != sum {
			return domain.ArtifactRecord{}, false, fmt.Errorf("%w: %s", domain.ErrArtifactConflict, id)
		}
		return existing, false, nil
	case !errors.Is(err, domain.ErrArtifactNotFound):
		return domain.ArtifactRecord{}, false, err
	}

	record := domain.ArtifactRecord{
		ID:        id,
		Location:  ObjectKey(id),
		SHA256:    sum,
		SizeBytes: int64(len(body)),
		AddedAt:   s.now().UTC(),
	}
	if err := s.blobs.Put(ctx, s.bucket, record.Location, bytes.NewReader(body), record.SizeBytes, contentType); err != nil {
		return domain.ArtifactRecord{}, false, fmt.Errorf("put artifact bytes %s: %w", id, err)
	}
	if err := s.records.CreateArtifact(ctx, record); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Lost a race with another process; the bytes at Location belong to the winner.
			winner, getErr := s.Get(ctx, id)
			if getErr != nil {
				return domain.ArtifactRecord{}, false, getErr
			}
			if winner.SHA256 != sum {
				return domain.ArtifactRecord{}, false, fmt.Errorf("%w: %s", domain.ErrArtifactConflict, id)
			}
			return winner, false, nil
		}
		_ = s.blobs.Delete(context.WithoutCancel(ctx), s.bucket, record.Location)
		return domain.ArtifactRecord{}, false, fmt.Errorf("create artifact %s: %w", id, err)
	}
	return record, true, nil
}

// Read returns the stored bytes of a record and verifies their checksum.
func (s *Store) Read(ctx context.Context, record domain.ArtifactRecord) ([]byte, error) {
	rc, _, err := s.blobs.Get(ctx, s.bucket, record.Location)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", record.ID, err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", record.ID, err)
	}
	if Checksum(body) != record.SHA256 {
		return nil, fmt.Errorf("artifact %s: checksum mismatch", record.ID)
	}
	return body, nil
}

func (s *Store) List(ctx context.Context, namespace, name string, limit int) ([]domain.ArtifactRecord, error) {
	out, err := s.records.ListArtifacts(ctx, repo.ArtifactFilter{Namespace: namespace, Name: name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out, nil
}

// Delete removes an artifact that no deploy holds and no application uses.
// Acquire waits until Delete is done, so a deploy never resolves an artifact
// that is being removed.
func (s *Store) Delete(ctx context.Context, id domain.ArtifactID) error {
	s.mu.Lock()
	if _, leased := s.leases[id]; leased {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s has deploys or a delete in flight", domain.ErrArtifactInUse, id)
	}
	st := &leaseState{draining: make(chan struct{})}
	s.leases[id] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.leases, id)
		close(st.draining)
		s.mu.Unlock()
	}()

	users, err := s.apps.ListApplications(ctx, repo.ApplicationFilter{Artifact: &id, Limit: 1})
	if err != nil {
		return fmt.Errorf("list applications of %s: %w", id, err)
	}
	if len(users) > 0 {
		return fmt.Errorf("%w: %s is used by %s", domain.ErrArtifactInUse, id, users[0].ID)
	}
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, record)
}

func (s *Store) remove(ctx context.Context, record domain.ArtifactRecord) error {
	if err := s.records.DeleteArtifact(ctx, record.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete artifact record %s: %w", record.ID, err)
	}
	if err := s.blobs.Delete(ctx, s.bucket, record.Location); err != nil {
		return fmt.Errorf("delete artifact bytes %s: %w", record.ID, err)
	}
	return nil
}

// Lease marks an artifact as used by one in-flight deploy.
type Lease struct {
	store *Store
	id    domain.ArtifactID
	once  sync.Once
}

// Acquire takes a lease on id. If a rollback or Delete of id is in progress
// it waits for it to finish so the new holder observes the resulting state.
func (s *Store) Acquire(ctx context.Context, id domain.ArtifactID) (*Lease, error) {
	for {
		s.mu.Lock()
		st, ok := s.leases[id]
		if ok && st.draining != nil {
			draining := st.draining
			s.mu.Unlock()
			select {
			case <-draining:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			st = &leaseState{}
			s.leases[id] = st
		}
		st.refs++
		s.mu.Unlock()
		return &Lease{store: s, id: id}, nil
	}
}

// Commit records that an application now references the artifact. Any
// rollback owed by a concurrent failed deploy is cancelled.
func (l *Lease) Commit() {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if st, ok := l.store.leases[l.id]; ok {
		st.committed = true
	}
}

// OweRollback records that this deploy added the artifact and failed.
func (l *Lease) OweRollback() {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if st, ok := l.store.leases[l.id]; ok {
		st.rollbackOwed = true
	}
}

// Release drops the lease. The last release performs an owed rollback and
// reports whether it removed the artifact.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	var (
		st       *leaseState
		rollback bool
	)
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		var ok bool
		st, ok = l.store.leases[l.id]
		if !ok {
			return
		}
		st.refs--
		if st.refs > 0 {
			return
		}
		if st.rollbackOwed && !st.committed {
			rollback = true
			st.draining = make(chan struct{})
			return
		}
		delete(l.store.leases, l.id)
	})
	if !rollback {
		return false, nil
	}
	err := l.store.rollback(ctx, l.id)

	l.store.mu.Lock()
	delete(l.store.leases, l.id)
	close(st.draining)
	l.store.mu.Unlock()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) rollback(ctx context.Context, id domain.ArtifactID) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			return nil
		}
		return fmt.Errorf("rollback artifact %s: %w", id, err)
	}
	if err := s.remove(ctx, record); err != nil {
		return fmt.Errorf("rollback artifact %s: %w", id, err)
	}
	s.metrics.ArtifactRollbacks.Inc()
	s.logger.Info("artifact rolled back", "namespace", id.Namespace, "artifact", id.Name, "version", id.Version)
	return nil
}
