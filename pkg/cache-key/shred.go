package cachekey

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/pkg/shredder"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	"github.com/always-cache/offline-cache/storage"
)

// ShredResponse splits the response body with the codec of the request's
// endpoint. It returns nil shreds when the endpoint has no codec.
func (h *Handler) ShredResponse(req *http.Request, res serializer.Response) ([]shredder.Shred, error) {
	endpoint := h.endpoints.Find(req)
	if endpoint == nil {
		return nil, nil
	}
	codec := endpoint.ResourceCodec()
	if codec == nil {
		return nil, nil
	}
	shreds, err := codec.Encode(res.Body)
	if err != nil {
		return nil, fmt.Errorf("shred %s: %w", req.URL, err)
	}
	h.log.Trace().Str("url", req.URL.String()).Int("descriptors", len(shreds)).Msg("Shredded response")
	return shreds, nil
}

// FillResponseBodyWithShreddedData rebuilds the body of a response stored as
// descriptors. The response is returned unchanged if the request's endpoint has no codec.
// Referenced resources that no longer exist are left out.
func (h *Handler) FillResponseBodyWithShreddedData(ctx context.Context, req *http.Request, descriptors []shredder.Descriptor, res serializer.Response) (serializer.Response, error) {
	endpoint := h.endpoints.Find(req)
	if endpoint == nil || endpoint.ResourceCodec() == nil {
		return res, nil
	}
	shreds := make([]shredder.Shred, 0, len(descriptors))
	for _, d := range descriptors {
		resources, err := h.loadResources(ctx, d)
		if err != nil {
			return res, err
		}
		shreds = append(shreds, shredder.Shred{Descriptor: d, Resources: resources})
	}
	body, err := endpoint.ResourceCodec().Decode(shreds)
	if err != nil {
		return res, fmt.Errorf("unshred %s: %w", req.URL, err)
	}
	res.Body = body
	res.BodyAbstract = ""
	return res, nil
}

func (h *Handler) loadResources(ctx context.Context, d shredder.Descriptor) ([]shredder.Resource, error) {
	store, err := h.stores.OpenStore(ctx, d.Name, storemanager.Options{})
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]storage.Document, len(d.Keys))
	switch len(d.Keys) {
	case 0:
	case 1:
		doc, err := store.Get(ctx, d.Keys[0])
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			byKey[doc.Key] = doc
		}
	default:
		or := make(storage.Or, len(d.Keys))
		for i, k := range d.Keys {
			or[i] = storage.Eq{Field: "key", Value: k}
		}
		docs, err := store.Find(ctx, or)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			byKey[doc.Key] = doc
		}
	}

	resources := make([]shredder.Resource, 0, len(d.Keys))
	for _, k := range d.Keys {
		doc, ok := byKey[k]
		if !ok {
			h.log.Warn().Str("store", d.Name).Str("key", k).Msg("Shredded resource missing")
			continue
		}
		r, err := shredder.ResourceFromDocument(doc)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// IsCompleteCollection reports whether the response to req holds every
// resource of its collections, so resources missing from it can be purged.
func (h *Handler) IsCompleteCollection(req *http.Request, descriptors []shredder.Descriptor) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if len(descriptors) == 0 {
		return false
	}
	for _, d := range descriptors {
		if d.ResourceType != shredder.ResourceTypeCollection {
			return false
		}
	}
	if req.URL.RawQuery == "" {
		return true
	}
	parser := DefaultQueryParser
	if endpoint := h.endpoints.Find(req); endpoint != nil {
		parser = endpoint.queryParser()
	}
	info := parser.ParseQuery(req.URL.Query())
	return !info.HasFilter && info.Limit < 0
}
