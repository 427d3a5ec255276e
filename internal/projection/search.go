// Package projection holds the secondary-store targets fed by the fan-out
// writer: a weaviate search index and a neo4j graph.
package projection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/bitfantasy/nimo-pdm/internal/fanout"
)

// objectNamespace seeds the deterministic weaviate object ids, so the same
// entity always maps to the same object.
var objectNamespace = uuid.MustParse("6f1c8d1e-5a3b-4f0e-9c1d-2b7e8a4c9d10")

// searchClasses maps projected kinds to weaviate classes. Usage edges are not
// indexed for search.
var searchClasses = map[string]string{
	fanout.KindPart:     "PdmPart",
	fanout.KindDocument: "PdmDocument",
	fanout.KindChange:   "PdmChange",
	fanout.KindTask:     "PdmTask",
}

// ObjectID returns the weaviate object id for an entity.
func ObjectID(kind, id string) string {
	return uuid.NewSHA1(objectNamespace, []byte(kind+":"+id)).String()
}

// objectStore is the subset of the weaviate data API the target needs.
type objectStore interface {
	Exists(ctx context.Context, class, id string) (bool, error)
	Create(ctx context.Context, class, id string, props map[string]any) error
	Replace(ctx context.Context, class, id string, props map[string]any) error
	Delete(ctx context.Context, class, id string) error
	Ready(ctx context.Context) (bool, error)
}

// SearchTarget 检索索引副本
type SearchTarget struct {
	store objectStore
}

// NewSearchTarget connects to weaviate at host (host:port) with the given scheme.
func NewSearchTarget(scheme, host string) (*SearchTarget, error) {
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &SearchTarget{store: &weaviateStore{client: client}}, nil
}

func (t *SearchTarget) Name() string { return "search" }

// Upsert replaces the object when it exists and creates it otherwise.
func (t *SearchTarget) Upsert(ctx context.Context, m fanout.Mutation) error {
	class, ok := searchClasses[m.Kind]
	if !ok {
		return nil
	}
	id := ObjectID(m.Kind, m.ID)
	props := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		props[k] = v
	}
	props["entityId"] = m.ID

	exists, err := t.store.Exists(ctx, class, id)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", class, m.ID, err)
	}
	if exists {
		return t.store.Replace(ctx, class, id, props)
	}
	return t.store.Create(ctx, class, id, props)
}

// Delete removes the object; a missing object is not an error.
func (t *SearchTarget) Delete(ctx context.Context, m fanout.Mutation) error {
	class, ok := searchClasses[m.Kind]
	if !ok {
		return nil
	}
	id := ObjectID(m.Kind, m.ID)
	exists, err := t.store.Exists(ctx, class, id)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", class, m.ID, err)
	}
	if !exists {
		return nil
	}
	return t.store.Delete(ctx, class, id)
}

// Ready reports whether weaviate answers its readiness probe.
func (t *SearchTarget) Ready(ctx context.Context) error {
	ok, err := t.store.Ready(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("weaviate not ready")
	}
	return nil
}

type weaviateStore struct {
	client *weaviate.Client
}

func (s *weaviateStore) Exists(ctx context.Context, class, id string) (bool, error) {
	return s.client.Data().Checker().WithClassName(class).WithID(id).Do(ctx)
}

func (s *weaviateStore) Create(ctx context.Context, class, id string, props map[string]any) error {
	_, err := s.client.Data().Creator().
		WithClassName(class).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	return err
}

func (s *weaviateStore) Replace(ctx context.Context, class, id string, props map[string]any) error {
	return s.client.Data().Updater().
		WithClassName(class).
		WithID(id).
		WithProperties(props).
		Do(ctx)
}

func (s *weaviateStore) Delete(ctx context.Context, class, id string) error {
	return s.client.Data().Deleter().WithClassName(class).WithID(id).Do(ctx)
}

func (s *weaviateStore) Ready(ctx context.Context) (bool, error) {
	return s.client.Misc().ReadyChecker().Do(ctx)
}
