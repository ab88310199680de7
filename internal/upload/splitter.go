package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"

	"go.uber.org/zap"

	"github.com/radif/uploads/internal/staging"
)

// PayloadField is the form field whose body is returned as the request payload.
const PayloadField = "data"

const chunkSize = 32 << 10

// ErrMalformed is returned when the multipart body cannot be split: broken
// framing, a part without a field name, a repeated or oversized payload field.
var ErrMalformed = errors.New("malformed multipart body")

// Batch is a split request: the payload bytes plus the files staged for it.
// Area owns the staged files; closing it removes whatever is still on disk.
type Batch struct {
	Payload []byte
	Files   []StagedFile
	Area    *staging.Area
}

// Splitter separates a multipart body into its payload and staged files.
type Splitter struct {
	store      *staging.Store
	maxPayload int64
	log        *zap.SugaredLogger

	create func(area *staging.Area, name string) (stagedWriter, error)
}

// stagedWriter is a staged file open for writing.
type stagedWriter interface {
	io.WriteCloser
	Path() string
}

func createInArea(area *staging.Area, name string) (stagedWriter, error) {
	w, err := area.Create(name)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewSplitter creates a Splitter staging files under store. The payload field
// may hold at most maxPayload bytes.
func NewSplitter(store *staging.Store, maxPayload int64, log *zap.SugaredLogger) *Splitter {
	return &Splitter{
		store:      store,
		maxPayload: maxPayload,
		log:        log.With("component", "splitter"),
		create:     createInArea,
	}
}

// Split reads mr part by part. The payload field is buffered in memory, parts
// with a filename are streamed to a new staging area chunk by chunk, and any
// other part is skipped. On error every file staged so far is removed before
// returning.
func (s *Splitter) Split(ctx context.Context, mr *multipart.Reader) (*Batch, error) {
	area, err := s.store.NewArea()
	if err != nil {
		return nil, err
	}

	batch, err := s.split(ctx, mr, area)
	if err != nil {
		if cerr := area.Close(); cerr != nil {
			s.log.Errorw("failed to clean up staging area", "area", area.ID(), "error", cerr)
		}
		return nil, err
	}
	return batch, nil
}

func (s *Splitter) split(ctx context.Context, mr *multipart.Reader, area *staging.Area) (*Batch, error) {
	batch := &Batch{Area: area}
	seenPayload := false
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: next part: %w", ErrMalformed, err)
		}

		field := part.FormName()
		filename := part.FileName()

		switch {
		case field == "":
			_ = part.Close()
			return nil, fmt.Errorf("%w: part without a field name", ErrMalformed)

		case field == PayloadField:
			// The payload field wins even when the client attached a filename.
			if seenPayload {
				_ = part.Close()
				return nil, fmt.Errorf("%w: field %q sent more than once", ErrMalformed, PayloadField)
			}
			seenPayload = true
			batch.Payload, err = s.readPayload(part)
			_ = part.Close()
			if err != nil {
				return nil, err
			}

		case filename != "":
			file, err := s.stage(part, area, filename, buf)
			_ = part.Close()
			if err != nil {
				return nil, err
			}
			batch.Files = append(batch.Files, file)

		default:
			if _, err := io.CopyBuffer(io.Discard, part, buf); err != nil {
				_ = part.Close()
				return nil, fmt.Errorf("%w: skip field %q: %w", ErrMalformed, field, err)
			}
			_ = part.Close()
		}
	}
}

// stage copies a file part to disk. Each chunk is written before the next one
// is read, so a slow disk slows down the client instead of growing memory.
func (s *Splitter) stage(part io.Reader, area *staging.Area, filename string, buf []byte) (StagedFile, error) {
	w, err := s.create(area, filename)
	if err != nil {
		return StagedFile{}, err
	}

	n, err := io.CopyBuffer(w, part, buf)
	if err != nil {
		_ = w.Close()
		if errors.Is(err, staging.ErrStaging) {
			return StagedFile{}, err
		}
		return StagedFile{}, fmt.Errorf("%w: read file %q: %w", ErrMalformed, filename, err)
	}
	if err := w.Close(); err != nil {
		return StagedFile{}, err
	}

	s.log.Debugw("staged file", "filename", filename, "path", w.Path(), "bytes", n)
	return NewStagedFile(filename, w.Path()), nil
}

func (s *Splitter) readPayload(part io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(part, s.maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read field %q: %w", ErrMalformed, PayloadField, err)
	}
	if int64(len(payload)) > s.maxPayload {
		return nil, fmt.Errorf("%w: field %q exceeds %d bytes", ErrMalformed, PayloadField, s.maxPayload)
	}
	return payload, nil
}
