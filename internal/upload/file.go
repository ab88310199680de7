// Package upload turns a streamed multipart request into objects in remote
// storage. The Splitter stages file parts on local disk, the Service offloads
// staged files with bounded concurrency and reclaims the disk afterwards, and
// the Handler exposes both over HTTP.
package upload

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a StagedFile.
type State int

const (
	StateStaged State = iota
	StateUploading
	StateUploaded
	StateUploadFailed
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateStaged:
		return "staged"
	case StateUploading:
		return "uploading"
	case StateUploaded:
		return "uploaded"
	case StateUploadFailed:
		return "upload_failed"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a StagedFile is moved to a state that
// cannot follow its current one.
var ErrInvalidTransition = errors.New("invalid staged file transition")

// StagedFile is a file part persisted under the staging directory, tracked
// from staging until its local copy is removed. It is a value: every
// transition returns an updated copy and leaves the receiver untouched.
type StagedFile struct {
	Name      string // client-supplied filename, untrusted
	LocalPath string
	Key       string // set once the upload succeeded
	URL       string // set once the upload succeeded
	Err       error  // set once the upload failed
	State     State
}

// NewStagedFile returns a handle in the Staged state.
func NewStagedFile(name, localPath string) StagedFile {
	return StagedFile{Name: name, LocalPath: localPath, State: StateStaged}
}

// Begin moves a staged file to Uploading.
func (f StagedFile) Begin() (StagedFile, error) {
	if err := f.expect(StateUploading, StateStaged); err != nil {
		return f, err
	}
	f.State = StateUploading
	return f, nil
}

// Succeed records the remote key and URL of an uploading file.
func (f StagedFile) Succeed(key, url string) (StagedFile, error) {
	if err := f.expect(StateUploaded, StateUploading); err != nil {
		return f, err
	}
	f.Key, f.URL = key, url
	f.State = StateUploaded
	return f, nil
}

// Fail records why a file was not uploaded. A file that was never dispatched
// can fail straight from Staged.
func (f StagedFile) Fail(cause error) (StagedFile, error) {
	if err := f.expect(StateUploadFailed, StateStaged, StateUploading); err != nil {
		return f, err
	}
	f.Err = cause
	f.State = StateUploadFailed
	return f, nil
}

// Clean marks the local copy as removed.
func (f StagedFile) Clean() (StagedFile, error) {
	if err := f.expect(StateCleaned, StateUploaded, StateUploadFailed); err != nil {
		return f, err
	}
	f.State = StateCleaned
	return f, nil
}

// Uploaded reports whether the file reached remote storage.
func (f StagedFile) Uploaded() bool {
	return f.URL != ""
}

func (f StagedFile) expect(to State, from ...State) error {
	for _, s := range from {
		if f.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %q from %s to %s", ErrInvalidTransition, f.Name, f.State, to)
}

// Record describes one successfully uploaded file.
type Record struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	URL      string `json:"url"`
}

// Failure describes one file that could not be uploaded.
type Failure struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Error    string `json:"error"`
}

// Result is the outcome of a batch. Every input file appears exactly once,
// either in Uploaded or in Failed, in input order.
type Result struct {
	Uploaded []Record  `json:"files"`
	Failed   []Failure `json:"failed"`
}

// DeleteResult reports whether a remote object is confirmed gone.
type DeleteResult struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}
