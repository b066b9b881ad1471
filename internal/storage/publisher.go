package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Publisher uploads the artifacts of one run under {prefix}/{study}/{runID}/.
type Publisher struct {
	storage     ObjectStorage
	prefix      string
	study       string
	concurrency int
	logger      *log.Logger
}

// NewPublisher creates a publisher for one study.
func NewPublisher(s ObjectStorage, prefix, study string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{
		storage:     s,
		prefix:      strings.Trim(prefix, "/"),
		study:       objectName(study),
		concurrency: DefaultMultipartConfig().Concurrency,
		logger:      logger,
	}
}

// RunPrefix returns the object prefix for a run.
func (p *Publisher) RunPrefix(runID string) string {
	return path.Join(p.prefix, p.study, runID)
}

// Publish uploads files in parallel and returns their object paths in the
// order given. Missing files fail the whole publication before anything is
// uploaded; a failed upload removes the objects already stored for the run.
func (p *Publisher) Publish(ctx context.Context, runID string, files ...string) ([]string, error) {
	if runID == "" {
		return nil, fmt.Errorf("storage: publish requires a run id")
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
	}

	objects := make([]string, len(files))
	for i, f := range files {
		objects[i] = path.Join(p.RunPrefix(runID), filepath.Base(f))
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var uploaded []string

	for i := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(local, object string) {
			defer sem.Release(1)
			defer wg.Done()

			etag, err := p.storage.UploadMultipart(ctx, local, object)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("storage: publishing %s: %w", local, err)
				}
				return
			}
			uploaded = append(uploaded, object)
			p.logger.Printf("storage: published %s (etag %s)", object, etag)
		}(files[i], objects[i])
	}
	wg.Wait()

	if firstErr != nil {
		p.rollback(ctx, uploaded)
		return nil, firstErr
	}
	return objects, nil
}

func (p *Publisher) rollback(ctx context.Context, objects []string) {
	ctx = context.WithoutCancel(ctx)
	for _, o := range objects {
		if err := p.storage.Delete(ctx, o); err != nil {
			p.logger.Printf("storage: failed to remove partial upload %s: %v", o, err)
		}
	}
}

// Fetch downloads every artifact of a published run into dir and returns the
// local paths sorted by name.
func (p *Publisher) Fetch(ctx context.Context, runID, dir string) ([]string, error) {
	prefix := p.RunPrefix(runID)
	objects, err := p.storage.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: no artifacts under %s", ErrObjectNotFound, prefix)
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	locals := make([]string, 0, len(objects))

	for _, object := range objects {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		local := filepath.Join(dir, path.Base(object))
		wg.Add(1)
		go func(object, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := p.storage.Download(ctx, object, local)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("storage: fetching %s: %w", object, err)
				}
				return
			}
			locals = append(locals, local)
		}(object, local)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	sort.Strings(locals)
	return locals, nil
}

// objectName replaces characters that are awkward in object keys.
func objectName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "study"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
