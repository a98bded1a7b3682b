package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore keeps blobs in a JetStream object store bucket.
type NATSStore struct {
	bucket string
	store  nats.ObjectStore
}

// NewNATSStore creates the bucket, or binds to it when it already exists.
func NewNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Conversion audio for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
	}
	return &NATSStore{bucket: bucket, store: store}, nil
}

func (n *NATSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := newRef()
	_, err := n.store.Put(&nats.ObjectMeta{Name: ref}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("put object %q to bucket %q: %w", ref, n.bucket, err)
	}
	return ref, nil
}

func (n *NATSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	obj, err := n.store.Get(ref, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object %q from bucket %q: %w", ref, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", ref, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", ref, closeErr)
	}
	return data, nil
}

func (n *NATSStore) Delete(_ context.Context, ref string) error {
	err := n.store.Delete(ref)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("delete object %q from bucket %q: %w", ref, n.bucket, err)
	}
	return nil
}
