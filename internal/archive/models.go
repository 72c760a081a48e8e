package archive

import (
	"context"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

// Entry describes one file inside an archive.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type ExtractRequest struct {
	ArchivePath     string
	DestinationPath string
	Overwrite       bool
}

type CreateRequest struct {
	SourcePath string
	OutputPath string
	// Patterns is an ordered list of glob patterns matched against each
	// candidate's slash-separated path relative to SourcePath. Empty means
	// include everything.
	Patterns []string
}

// Engine runs archive work for one format. Calls block until the work is
// done and report everything through the sink and the returned error.
//
// Engines poll the cancellation token between entries and return
// ErrCancelled when it is set, leaving any partially written output in
// place. They never release the token and never retain the token or the
// sink beyond the call.
type Engine interface {
	Extract(ctx context.Context, req ExtractRequest, tok token.Handle, sink progress.Sink) error
	Create(ctx context.Context, req CreateRequest, tok token.Handle, sink progress.Sink) error
	List(ctx context.Context, archivePath string) ([]Entry, error)
	Validate(ctx context.Context, archivePath string) (bool, error)
}
