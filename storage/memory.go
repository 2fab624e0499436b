package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryEngine keeps collections in process memory.
// It is used in tests and for caches that need not survive a restart.
type MemoryEngine struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		collections: make(map[string]*memoryCollection),
	}
}

func (e *MemoryEngine) Open(_ context.Context, name string) (Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.collections[name]; ok {
		return c, nil
	}
	c := &memoryCollection{name: name, docs: make(map[string]Document)}
	e.collections[name] = c
	return c, nil
}

func (e *MemoryEngine) Close() error {
	return nil
}

type memoryCollection struct {
	name string
	mu   sync.RWMutex
	docs map[string]Document
}

func (c *memoryCollection) Name() string {
	return c.name
}

func (c *memoryCollection) Get(_ context.Context, key string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (c *memoryCollection) Put(_ context.Context, doc Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.Key] = cloneDocument(doc)
	return nil
}

func (c *memoryCollection) Delete(_ context.Context, sel Selector) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, doc := range c.docs {
		ok, err := matches(sel, &docView{doc: doc})
		if err != nil {
			return removed, err
		}
		if ok {
			delete(c.docs, key)
			removed++
		}
	}
	return removed, nil
}

func (c *memoryCollection) Find(_ context.Context, sel Selector, opts ...FindOption) ([]Document, error) {
	o := collectFindOptions(opts)
	c.mu.RLock()
	views := make([]*docView, 0, len(c.docs))
	for _, doc := range c.docs {
		v := &docView{doc: doc}
		ok, err := matches(sel, v)
		if err != nil {
			c.mu.RUnlock()
			return nil, err
		}
		if ok {
			views = append(views, v)
		}
	}
	c.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].doc.Key < views[j].doc.Key
	})
	if o.sortField != "" {
		if _, _, err := splitField(o.sortField); err != nil {
			return nil, err
		}
		sort.SliceStable(views, func(i, j int) bool {
			a, aok, _ := views[i].lookup(o.sortField)
			b, bok, _ := views[j].lookup(o.sortField)
			less := false
			switch {
			case !aok || !bok:
				less = !aok && bok
				if o.descending {
					less = aok && !bok
				}
			default:
				cmp, _ := compareValues(a, b)
				less = cmp < 0
				if o.descending {
					less = cmp > 0
				}
			}
			return less
		})
	}
	if o.limit > 0 && len(views) > o.limit {
		views = views[:o.limit]
	}
	docs := make([]Document, len(views))
	for i, v := range views {
		docs[i] = cloneDocument(v.doc)
	}
	return docs, nil
}

func (c *memoryCollection) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.docs))
	for key := range c.docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memoryCollection) RemoveByKey(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[key]
	delete(c.docs, key)
	return ok, nil
}

func (c *memoryCollection) Destroy(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]Document)
	return nil
}

func cloneDocument(doc Document) Document {
	return Document{
		Key:      doc.Key,
		Metadata: append([]byte(nil), doc.Metadata...),
		Value:    append([]byte(nil), doc.Value...),
	}
}
