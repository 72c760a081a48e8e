package operations

import (
	"errors"
	"fmt"

	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/validation"
)

var ErrInvalidKind = errors.New("invalid operation kind")

// ValidateRequest checks a submission before any work is scheduled. A
// request that fails here is rejected synchronously and never becomes an
// operation.
func ValidateRequest(req OperationRequest) error {
	switch req.Kind {
	case KindExtract, KindCreate:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}

	if err := validation.ValidateRelativePath(req.SourcePath); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if err := validation.ValidateRelativePath(req.DestinationPath); err != nil {
		return fmt.Errorf("invalid destination path: %w", err)
	}

	if req.Kind == KindCreate {
		if err := archive.ValidatePatterns(req.Patterns); err != nil {
			return fmt.Errorf("invalid patterns: %w", err)
		}
	} else if len(req.Patterns) > 0 {
		return errors.New("patterns are only valid for create operations")
	}

	return nil
}
