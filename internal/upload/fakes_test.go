package upload

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radif/uploads/internal/logging"
	"github.com/radif/uploads/internal/staging"
	"github.com/radif/uploads/internal/storage"
)

// -------- fake object store --------

type fakeStore struct {
	storage.Storage

	mu      sync.Mutex
	objects map[string][]byte
	putErrs map[string]error
	delErrs map[string]error
	getErr  error
	puts    []string

	delay    time.Duration
	started  chan string   // receives the key of every started put, if set
	release  chan struct{} // puts wait for it to be closed, if set
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	putCtxs  []context.Context
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		putErrs: map[string]error{},
		delErrs: map[string]error{},
	}
}

func (f *fakeStore) PutFile(ctx context.Context, localPath, key string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.started != nil {
		f.started <- key
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	b, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, key)
	f.putCtxs = append(f.putCtxs, ctx)
	if err := f.putErrs[key]; err != nil {
		return "", &storage.Error{Op: "put", Key: key, Kind: storage.ErrRejected, Err: err}
	}
	f.objects[key] = b
	return f.PublicURL(key), nil
}

func (f *fakeStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, &storage.Error{Op: "get", Key: key, Kind: storage.ErrNotFound, Err: io.EOF}
	}
	return &storage.Object{
		Key:         key,
		Size:        int64(len(b)),
		ContentType: "text/plain; charset=utf-8",
		Body:        io.NopCloser(bytes.NewReader(b)),
	}, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.delErrs[key]; err != nil {
		return &storage.Error{Op: "delete", Key: key, Kind: storage.ErrUnavailable, Err: err}
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) PublicURL(key string) string {
	return "https://bucket.s3.eu-west-1.amazonaws.com/" + key
}

// -------- fake ledger --------

type fakeLedger struct {
	mu      sync.Mutex
	saved   []Record
	deleted []string
	err     error
}

func (l *fakeLedger) Save(ctx context.Context, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, records...)
	return l.err
}

func (l *fakeLedger) Delete(ctx context.Context, keys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, keys...)
	return l.err
}

// -------- helpers --------

func newStagingStore(t *testing.T) *staging.Store {
	t.Helper()
	s, err := staging.NewStore(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return s
}

// stageFiles writes each name/content pair into a fresh area and returns the
// staged handles.
func stageFiles(t *testing.T, s *staging.Store, files ...string) (*staging.Area, []StagedFile) {
	t.Helper()
	require.Zero(t, len(files)%2, "stageFiles takes name/content pairs")

	area, err := s.NewArea()
	require.NoError(t, err)

	var out []StagedFile
	for i := 0; i < len(files); i += 2 {
		w, err := area.Create(files[i])
		require.NoError(t, err)
		_, err = w.Write([]byte(files[i+1]))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		out = append(out, NewStagedFile(files[i], w.Path()))
	}
	return area, out
}

type formPart struct {
	field    string
	filename string
	content  []byte
}

func field(name, value string) formPart {
	return formPart{field: name, content: []byte(value)}
}

func file(field, filename string, content []byte) formPart {
	return formPart{field: field, filename: filename, content: content}
}

// multipartBody encodes parts and returns the body and its content type.
func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)
		switch {
		case p.filename != "":
			w, err = mw.CreateFormFile(p.field, p.filename)
		case p.field != "":
			w, err = mw.CreateFormField(p.field)
		default:
			h := textproto.MIMEHeader{}
			h.Set("Content-Disposition", "attachment")
			w, err = mw.CreatePart(h)
		}
		require.NoError(t, err)
		_, err = w.Write(p.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func multipartReader(t *testing.T, parts ...formPart) *multipart.Reader {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	_, boundary, ok := bytes.Cut([]byte(contentType), []byte("boundary="))
	require.True(t, ok)
	return multipart.NewReader(body, string(boundary))
}

func areaDirs(t *testing.T, s *staging.Store) []string {
	t.Helper()
	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}
