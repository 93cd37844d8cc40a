// Package datasync keeps a sandbox's view of backend collections.
//
// A Registry owns one Collection per declared collection name. Each
// Collection caches the last record set, fans changes out to subscribers,
// applies local mutations optimistically, and ignores realtime pushes for a
// short cooldown after each local mutation so the backend's echo of that
// mutation cannot flash stale data. Undeclared names resolve to a Stub that
// degrades to "no data".
//
//	reg := datasync.NewRegistry(datasync.NewClient(baseURL), []string{"posts"})
//	posts := reg.Get("posts")
//	unsub := posts.Subscribe(func(rs []datasync.Record) { ... }, datasync.ListParams{})
//	defer unsub()
package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("datasync: record not found")

// ErrStubMutation is returned by Update and Delete on an undeclared
// collection.
var ErrStubMutation = errors.New("datasync: collection is not declared")

// HTTPError is a non-2xx response from the collection backend.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("datasync: backend status %d: %s", e.Status, e.Message)
}

// Record is an opaque record. Identity is the "id" field.
type Record map[string]any

// ID returns the record id, or "" when absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// File is a binary attachment value. A record containing one is sent as
// multipart form data.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// MarshalJSON reports a file by name so records holding one can still be
// compared and logged.
func (f File) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"name": f.Name, "size": len(f.Data)})
}

// ListParams are the list query parameters of the collection surface.
type ListParams struct {
	Filter  string `json:"filter,omitempty"`
	Sort    string `json:"sort,omitempty"`
	Page    int    `json:"page,omitempty"`
	PerPage int    `json:"perPage,omitempty"`
	Expand  string `json:"expand,omitempty"`
}

// GetParams are the single-record query parameters.
type GetParams struct {
	Expand string `json:"expand,omitempty"`
}

// Subscriber receives the full record set of a collection after a change.
type Subscriber func(records []Record)

// Kind tags the variant behind a Store.
type Kind int

const (
	KindCollection Kind = iota + 1
	KindStub
)

func (k Kind) String() string {
	switch k {
	case KindCollection:
		return "collection"
	case KindStub:
		return "stub"
	}
	return "unknown"
}

// Store is what Registry.Get returns: a *Collection for declared names or a
// *Stub otherwise.
type Store interface {
	Name() string
	Kind() Kind
	List(ctx context.Context, params ListParams) ([]Record, error)
	Get(ctx context.Context, id string, params GetParams) (Record, error)
	Create(ctx context.Context, data Record) (Record, error)
	Update(ctx context.Context, id string, data Record) (Record, error)
	Delete(ctx context.Context, id string) error
	Subscribe(cb Subscriber, params ListParams) (unsubscribe func())
	// Snapshot returns the cached records without a network call.
	Snapshot() []Record
}

// Backend is the collection surface. *Client implements it over HTTP.
type Backend interface {
	List(ctx context.Context, collection string, params ListParams) ([]Record, error)
	Get(ctx context.Context, collection, id string, params GetParams) (Record, error)
	Create(ctx context.Context, collection string, data Record) (Record, error)
	Update(ctx context.Context, collection, id string, data Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
}

// sameRecords compares record sets structurally by their JSON encoding.
func sameRecords(a, b []Record) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

func cloneRecords(rs []Record) []Record {
	if rs == nil {
		return nil
	}
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}
