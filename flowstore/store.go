package flowstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/natsclient"
)

// DefaultBucket is the KV bucket used when none is configured
const DefaultBucket = "taskflow_flows"

// activeKey is the single key holding the last successfully built flow
const activeKey = "active"

// Record is one persisted flow document
type Record struct {
	Flow    json.RawMessage `json:"flow"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store persists the active flow document across restarts
type Store interface {
	// Save replaces the stored record
	Save(ctx context.Context, rec Record) error
	// Load returns the stored record or an error wrapping errors.ErrKeyNotFound
	Load(ctx context.Context) (Record, error)
	// Clear removes the stored record
	Clear(ctx context.Context) error
}

func validate(rec Record, method string) error {
	if len(rec.Flow) == 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "flowstore", method, "record has no flow document")
	}
	if !json.Valid(rec.Flow) {
		return errors.Invalidf(errors.ErrInvalidConfig, "flowstore", method, "flow document is not valid JSON")
	}
	return nil
}

// MemoryStore keeps the record in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	rec *Record
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if err := validate(rec, "Save"); err != nil {
		return err
	}
	rec.Flow = append(json.RawMessage(nil), rec.Flow...)

	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	return nil
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return Record{}, errors.WrapInvalid(errors.ErrKeyNotFound, "flowstore", "Load", "load active flow")
	}
	rec := *s.rec
	rec.Flow = append(json.RawMessage(nil), rec.Flow...)
	return rec, nil
}

// Clear implements Store
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// KVStore keeps the record in a NATS JetStream KV bucket
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore opens (or creates) bucket on the client's connection
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if client == nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "flowstore", "NewKVStore", "nats client cannot be nil")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kvBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Active task flow document",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewKVStore", "create KV bucket")
	}

	return &KVStore{kv: natsclient.NewKVStore(kvBucket, 5*time.Second)}, nil
}

// Save implements Store
func (s *KVStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec, "Save"); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "flowstore", "Save", "marshal record")
	}
	if _, err := s.kv.Put(ctx, activeKey, data); err != nil {
		return errors.WrapTransient(err, "flowstore", "Save", "put in KV")
	}
	return nil
}

// Load implements Store
func (s *KVStore) Load(ctx context.Context) (Record, error) {
	entry, err := s.kv.Get(ctx, activeKey)
	if err != nil {
		if errors.IsInvalid(err) {
			return Record{}, err
		}
		return Record{}, errors.WrapTransient(err, "flowstore", "Load", "get from KV")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return Record{}, errors.WrapInvalid(err, "flowstore", "Load", "unmarshal record")
	}
	return rec, nil
}

// Clear implements Store
func (s *KVStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, activeKey); err != nil {
		return errors.WrapTransient(err, "flowstore", "Clear", "delete from KV")
	}
	return nil
}
