package datasync

import (
	"context"

	"github.com/hazyhaar/atelier/idgen"
)

// Stub stands in for a collection that was not declared when the sandbox
// was built. Reads return no data and mutations are rejected, except Create
// which still reaches the backend: the collection may exist there even if
// the preview did not declare it.
type Stub struct {
	name    string
	backend Backend
	ids     idgen.Generator
}

func (s *Stub) Name() string       { return s.name }
func (s *Stub) Kind() Kind         { return KindStub }
func (s *Stub) Snapshot() []Record { return []Record{} }

func (s *Stub) List(context.Context, ListParams) ([]Record, error) {
	return []Record{}, nil
}

func (s *Stub) Get(context.Context, string, GetParams) (Record, error) {
	return nil, ErrNotFound
}

func (s *Stub) Create(ctx context.Context, data Record) (Record, error) {
	rec := data.Clone()
	if rec.ID() == "" {
		rec["id"] = s.ids()
	}
	return s.backend.Create(ctx, s.name, rec)
}

func (s *Stub) Update(context.Context, string, Record) (Record, error) {
	return nil, ErrStubMutation
}

func (s *Stub) Delete(context.Context, string) error {
	return ErrStubMutation
}

// Subscribe calls cb once with an empty set.
func (s *Stub) Subscribe(cb Subscriber, _ ListParams) func() {
	cb([]Record{})
	return func() {}
}
