package ledger

import (
	"context"

	"github.com/rendis/chainops/pkg/schema"
)

// SubjectRepository is the persisted subject table, keyed by SubjectRef.
type SubjectRepository interface {
	GetStatus(ctx context.Context, ref schema.SubjectRef) (string, error)
	SetStatus(ctx context.Context, ref schema.SubjectRef, status string) error
	ApplyTransition(ctx context.Context, rec *schema.TransitionRecord) error
}

// RepositorySubjects exposes one subject type of a SubjectRepository as a Transitionable.
type RepositorySubjects struct {
	repo     SubjectRepository
	typeName string
}

// NewRepositorySubjects binds typeName to repo.
func NewRepositorySubjects(repo SubjectRepository, typeName string) *RepositorySubjects {
	return &RepositorySubjects{repo: repo, typeName: typeName}
}

func (s *RepositorySubjects) TypeName() string { return s.typeName }

func (s *RepositorySubjects) GetStatus(ctx context.Context, id string) (string, error) {
	return s.repo.GetStatus(ctx, schema.SubjectRef{Type: s.typeName, ID: id})
}

func (s *RepositorySubjects) SetStatus(ctx context.Context, id, status string) error {
	return s.repo.SetStatus(ctx, schema.SubjectRef{Type: s.typeName, ID: id}, status)
}

func (s *RepositorySubjects) ApplyTransition(ctx context.Context, rec *schema.TransitionRecord) error {
	return s.repo.ApplyTransition(ctx, rec)
}

// RegisterRepository registers every type in types against one repository.
func (l *Ledger) RegisterRepository(repo SubjectRepository, types ...string) {
	for _, t := range types {
		l.Register(NewRepositorySubjects(repo, t))
	}
}
