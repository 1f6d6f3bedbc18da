package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// Key prefixes inside the bucket. Anomaly IDs are hex, so keys stay within
// the JetStream KV key charset.
const (
	anomalyPrefix    = "anomaly."
	resultPrefix     = "result."
	checkpointPrefix = "checkpoint."
)

// NATSConfig holds connection settings for the JetStream-backed store.
type NATSConfig struct {
	URL    string
	Bucket string
}

// NATS implements Store on a JetStream key-value bucket. Register maps to
// KV Create, which the server rejects when the key exists: first-writer-wins
// without client-side locking.
type NATS struct {
	nc       *nats.Conn
	kv       nats.KeyValue
	logger   *zap.Logger
	ownsConn bool
}

// NewNATS connects to NATS and binds (or creates) the bucket.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	store, err := NewNATSWithConn(nc, cfg.Bucket, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.ownsConn = true
	return store, nil
}

// NewNATSWithConn binds the store to an existing connection (shared with the
// event publisher). Close leaves the connection open.
func NewNATSWithConn(nc *nats.Conn, bucket string, logger *zap.Logger) (*NATS, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "costwatchd anomaly/result ledger",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("binding KV bucket %q: %w", bucket, err)
	}

	return &NATS{
		nc:     nc,
		kv:     kv,
		logger: logger.Named("ledger.nats"),
	}, nil
}

// Register records the anomaly iff its ID is unseen.
func (n *NATS) Register(_ context.Context, a costmodel.Anomaly) (bool, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshal anomaly: %w", err)
	}

	_, err = n.kv.Create(anomalyPrefix+a.ID, data)
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("register anomaly %s: %w", a.ID, err)
	}
	return true, nil
}

// GetAnomaly fetches a registered anomaly by ID.
func (n *NATS) GetAnomaly(_ context.Context, id string) (costmodel.Anomaly, error) {
	var a costmodel.Anomaly
	if err := n.get(anomalyPrefix+id, &a); err != nil {
		return costmodel.Anomaly{}, err
	}
	return a, nil
}

// PutResult stores the terminal result for an anomaly.
func (n *NATS) PutResult(_ context.Context, r costmodel.ActionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := n.kv.Put(resultPrefix+r.AnomalyID, data); err != nil {
		return fmt.Errorf("put result %s: %w", r.AnomalyID, err)
	}
	return nil
}

// GetResult fetches the latest result for an anomaly.
func (n *NATS) GetResult(_ context.Context, anomalyID string) (costmodel.ActionResult, error) {
	var r costmodel.ActionResult
	if err := n.get(resultPrefix+anomalyID, &r); err != nil {
		return costmodel.ActionResult{}, err
	}
	return r, nil
}

// ListResults returns results filtered by status, ordered by anomaly ID.
func (n *NATS) ListResults(_ context.Context, status costmodel.ActionStatus) ([]costmodel.ActionResult, error) {
	keys, err := n.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	var out []costmodel.ActionResult
	for _, key := range keys {
		if !strings.HasPrefix(key, resultPrefix) {
			continue
		}
		var r costmodel.ActionResult
		if err := n.get(key, &r); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnomalyID < out[j].AnomalyID })
	return out, nil
}

// PutCheckpoint stores orchestration progress for an anomaly.
func (n *NATS) PutCheckpoint(_ context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := n.kv.Put(checkpointPrefix+cp.AnomalyID, data); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.AnomalyID, err)
	}
	return nil
}

// GetCheckpoint fetches orchestration progress for an anomaly.
func (n *NATS) GetCheckpoint(_ context.Context, anomalyID string) (Checkpoint, error) {
	var cp Checkpoint
	if err := n.get(checkpointPrefix+anomalyID, &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Close drains the connection when this store owns it.
func (n *NATS) Close() error {
	if n.ownsConn {
		n.nc.Close()
	}
	return nil
}

func (n *NATS) get(key string, v any) error {
	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
