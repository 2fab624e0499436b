// Package shredder splits JSON response bodies into individually addressable
// resources and assembles them back.
package shredder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/offline-cache/storage"
)

const (
	// ResourceTypeCollection marks a body holding a list of resources.
	ResourceTypeCollection = "collection"
	// ResourceTypeSingle marks a body holding one resource.
	ResourceTypeSingle = "single"
)

// Descriptor tells which resources of which store make up a shredded body.
type Descriptor struct {
	Name         string   `json:"name"`
	Keys         []string `json:"keys"`
	ResourceType string   `json:"resourceType"`
}

// Resource is one addressable part of a body.
type Resource struct {
	Key   string
	Value json.RawMessage
}

// Shred is a descriptor together with the resources it references.
// Resources are in the order of Keys.
type Shred struct {
	Descriptor
	Resources []Resource
}

// ResourceCodec shreds and reassembles the bodies of one endpoint.
type ResourceCodec interface {
	Encode(body []byte) ([]Shred, error)
	Decode(shreds []Shred) ([]byte, error)
}

// Descriptors returns the descriptors of the shreds.
func Descriptors(shreds []Shred) []Descriptor {
	ds := make([]Descriptor, len(shreds))
	for i, s := range shreds {
		ds[i] = s.Descriptor
	}
	return ds
}

// EncodeDescriptors returns the string stored in place of a shredded body.
func EncodeDescriptors(ds []Descriptor) (string, error) {
	b, err := json.Marshal(ds)
	return string(b), err
}

// DecodeDescriptors parses the string stored in place of a shredded body.
// An empty string yields no descriptors.
func DecodeDescriptors(s string) ([]Descriptor, error) {
	if s == "" {
		return nil, nil
	}
	var ds []Descriptor
	if err := json.Unmarshal([]byte(s), &ds); err != nil {
		return nil, fmt.Errorf("decode body abstract: %w", err)
	}
	return ds, nil
}

// JSONCodec shreds a JSON array into a collection of its elements and a JSON
// object into a single resource, keyed by the IDField member of each element.
type JSONCodec struct {
	// Store receiving the resources.
	Store string
	// IDField names the member identifying a resource, "id" if empty.
	IDField string
}

func (c JSONCodec) idField() string {
	if c.IDField == "" {
		return "id"
	}
	return c.IDField
}

func (c JSONCodec) Encode(body []byte) ([]Shred, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	shred := Shred{Descriptor: Descriptor{Name: c.Store, Keys: []string{}}}
	switch trimmed[0] {
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, fmt.Errorf("decode collection: %w", err)
		}
		shred.ResourceType = ResourceTypeCollection
		for i, element := range elements {
			key, err := c.resourceKey(element)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			shred.Keys = append(shred.Keys, key)
			shred.Resources = append(shred.Resources, Resource{Key: key, Value: element})
		}
	case '{':
		key, err := c.resourceKey(trimmed)
		if err != nil {
			return nil, err
		}
		shred.ResourceType = ResourceTypeSingle
		shred.Keys = append(shred.Keys, key)
		shred.Resources = append(shred.Resources, Resource{Key: key, Value: json.RawMessage(trimmed)})
	default:
		return nil, errors.New("body is neither a JSON array nor a JSON object")
	}
	return []Shred{shred}, nil
}

func (c JSONCodec) resourceKey(element json.RawMessage) (string, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(element, &members); err != nil {
		return "", fmt.Errorf("resource is not an object: %w", err)
	}
	raw, ok := members[c.idField()]
	if !ok {
		return "", fmt.Errorf("resource has no %q member", c.idField())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("member %q is neither a string nor a number", c.idField())
}

func (c JSONCodec) Decode(shreds []Shred) ([]byte, error) {
	if len(shreds) == 0 {
		return nil, errors.New("nothing to decode")
	}
	shred := shreds[0]
	if shred.ResourceType == ResourceTypeSingle {
		if len(shred.Resources) == 0 {
			return []byte("null"), nil
		}
		return shred.Resources[0].Value, nil
	}
	parts := make([]string, len(shred.Resources))
	for i, r := range shred.Resources {
		parts[i] = string(r.Value)
	}
	return []byte("[" + strings.Join(parts, ",") + "]"), nil
}

// RecordMetadata is stored alongside every shredded resource.
type RecordMetadata struct {
	LastUpdated        int64  `json:"lastUpdated"`
	ResourceIdentifier string `json:"resourceIdentifier"`
}

// Record is the stored form of a shredded resource.
type Record struct {
	Metadata RecordMetadata  `json:"metadata"`
	Value    json.RawMessage `json:"value"`
}

// NewRecordDocument returns the document storing a resource.
func NewRecordDocument(r Resource, lastUpdated int64) (storage.Document, error) {
	md := RecordMetadata{LastUpdated: lastUpdated, ResourceIdentifier: r.Key}
	return storage.NewDocument(r.Key, md, Record{Metadata: md, Value: r.Value})
}

// ResourceFromDocument extracts the resource stored by NewRecordDocument.
func ResourceFromDocument(doc storage.Document) (Resource, error) {
	var rec Record
	if err := doc.DecodeValue(&rec); err != nil {
		return Resource{}, fmt.Errorf("decode record %q: %w", doc.Key, err)
	}
	return Resource{Key: doc.Key, Value: rec.Value}, nil
}
