package documents

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("documents: document not found")

	// ErrStaleVersion indicates the caller acted on an outdated version of
	// the document.
	ErrStaleVersion = errors.New("documents: stale version")

	// ErrInvalidTransition indicates the requested lifecycle move is not
	// allowed from the document's current status.
	ErrInvalidTransition = errors.New("documents: invalid status transition")
)

// BlockingDocument identifies a submitted document that stands in the way
// of a cancellation.
type BlockingDocument struct {
	ID     uuid.UUID `json:"id"`
	Kind   Kind      `json:"kind"`
	Number string    `json:"number"`
	Status Status    `json:"status"`
}

// DependencyBlockError reports every document that must be cancelled before
// this one can be.
type DependencyBlockError struct {
	DocumentID uuid.UUID
	Blocking   []BlockingDocument
}

func (e *DependencyBlockError) Error() string {
	refs := make([]string, 0, len(e.Blocking))
	for _, b := range e.Blocking {
		refs = append(refs, fmt.Sprintf("%s %s", b.Kind, b.Number))
	}
	return fmt.Sprintf("documents: %s is blocked by: %s", e.DocumentID, strings.Join(refs, ", "))
}
