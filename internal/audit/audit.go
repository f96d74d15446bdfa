// Package audit indexes authentication audit records into Elasticsearch so
// operators can search login and token failures. Indexing is best-effort and
// must never block or fail the auth path.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/avorobev/authcore/internal/logging"
)

const defaultIndex = "auth-audit"

type Entry struct {
	Kind   string    `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Email  string    `json:"email,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Recorder struct {
	es    *elasticsearch.Client
	index string
}

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch error: %s: %s", res.Status(), body)
	}

	index := cfg.Index
	if index == "" {
		index = defaultIndex
	}
	return &Recorder{es: client, index: index}, nil
}

// Record indexes one audit entry. Failures are logged and swallowed; a nil
// recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.es == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l := logging.FromContext(ctx).With("component", "audit")

	data, err := json.Marshal(e)
	if err != nil {
		l.Warn("audit_marshal_failed", "error", err)
		return
	}

	res, err := r.es.Index(r.index, bytes.NewReader(data), r.es.Index.WithContext(ctx))
	if err != nil {
		l.Warn("audit_index_failed", "error", err)
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		l.Warn("audit_index_failed", "status", res.Status())
	}
}
