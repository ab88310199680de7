package upload

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radif/uploads/internal/storage"
)

// DefaultConcurrency is the number of uploads or deletes run at once when no
// limit is configured.
const DefaultConcurrency = 2

// Remover deletes staged files from local disk.
type Remover interface {
	Remove(path string) error
}

// Ledger keeps track of uploaded objects. Its failures never fail a request.
type Ledger interface {
	Save(ctx context.Context, records []Record) error
	Delete(ctx context.Context, keys []string) error
}

// Service offloads staged files to object storage.
type Service struct {
	store  storage.Storage
	stage  Remover
	ledger Ledger
	limit  int
	log    *zap.SugaredLogger
}

// NewService creates a Service. ledger may be nil. A limit below 1 falls back
// to DefaultConcurrency.
func NewService(store storage.Storage, stage Remover, ledger Ledger, limit int, log *zap.SugaredLogger) *Service {
	if limit < 1 {
		limit = DefaultConcurrency
	}
	return &Service{
		store:  store,
		stage:  stage,
		ledger: ledger,
		limit:  limit,
		log:    log.With("component", "upload"),
	}
}

// SaveFiles uploads every file under prefix+name and removes its local copy
// whatever the outcome. At most limit uploads are in flight at any time.
//
// Upload failures are reported per file in the Result. Uploads already started
// when ctx is cancelled run to completion; files not yet started fail with the
// context error. A local removal failure does not stop the remaining files
// from being cleaned, and is returned together with the Result.
func (s *Service) SaveFiles(ctx context.Context, files []StagedFile, prefix string) (*Result, error) {
	done := make([]StagedFile, len(files))

	var (
		mu         sync.Mutex
		cleanupErr error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.limit)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			f = s.upload(ctx, f, prefix+f.Name)

			if err := s.stage.Remove(f.LocalPath); err != nil {
				s.log.Errorw("failed to remove staged file", "path", f.LocalPath, "error", err)
				mu.Lock()
				cleanupErr = multierror.Append(cleanupErr, err)
				mu.Unlock()
			} else if cleaned, err := f.Clean(); err == nil {
				f = cleaned
			}

			done[i] = f
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Uploaded: []Record{}, Failed: []Failure{}}
	for _, f := range done {
		if f.Uploaded() {
			res.Uploaded = append(res.Uploaded, Record{Filename: f.Name, Key: f.Key, URL: f.URL})
			continue
		}
		reason := "upload failed"
		if f.Err != nil {
			reason = f.Err.Error()
		}
		res.Failed = append(res.Failed, Failure{Filename: f.Name, Key: prefix + f.Name, Error: reason})
	}

	s.log.Infow("upload batch finished", "files", len(files), "uploaded", len(res.Uploaded), "failed", len(res.Failed))

	if s.ledger != nil && len(res.Uploaded) > 0 {
		if err := s.ledger.Save(context.WithoutCancel(ctx), res.Uploaded); err != nil {
			s.log.Errorw("failed to record uploads", "count", len(res.Uploaded), "error", err)
		}
	}

	return res, cleanupErr
}

func (s *Service) upload(ctx context.Context, f StagedFile, key string) StagedFile {
	if err := ctx.Err(); err != nil {
		return s.fail(f, err)
	}

	f, err := f.Begin()
	if err != nil {
		return s.fail(f, err)
	}

	// A started upload is not abandoned halfway; its outcome is always known.
	url, err := s.store.PutFile(context.WithoutCancel(ctx), f.LocalPath, key)
	if err != nil {
		s.log.Warnw("upload failed", "filename", f.Name, "key", key, "error", err)
		return s.fail(f, err)
	}

	uploaded, err := f.Succeed(key, url)
	if err != nil {
		return s.fail(f, err)
	}
	return uploaded
}

func (s *Service) fail(f StagedFile, cause error) StagedFile {
	failed, err := f.Fail(cause)
	if err != nil {
		s.log.Errorw("unexpected staged file state", "filename", f.Name, "error", err)
		f.Err = cause
		return f
	}
	return failed
}

// DeleteObjects removes the given keys from object storage, at most limit at
// a time. Absent objects count as deleted. It never returns an error: each
// key's outcome is in the matching DeleteResult.
func (s *Service) DeleteObjects(ctx context.Context, keys []string) []DeleteResult {
	results := make([]DeleteResult, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(s.limit)

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			results[i] = DeleteResult{Key: key, Deleted: true}
			if err := s.store.Delete(ctx, key); err != nil {
				s.log.Warnw("delete failed", "key", key, "error", err)
				results[i] = DeleteResult{Key: key, Error: err.Error()}
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.ledger != nil {
		deleted := make([]string, 0, len(results))
		for _, r := range results {
			if r.Deleted {
				deleted = append(deleted, r.Key)
			}
		}
		if len(deleted) > 0 {
			if err := s.ledger.Delete(context.WithoutCancel(ctx), deleted); err != nil {
				s.log.Errorw("failed to forget deleted uploads", "count", len(deleted), "error", err)
			}
		}
	}

	return results
}

// FetchObject opens key for streaming. ok is false when the object does not
// exist; the caller must close obj.Body otherwise.
func (s *Service) FetchObject(ctx context.Context, key string) (obj *storage.Object, ok bool, err error) {
	obj, err = s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}
