// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package logworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	bulkAttempts = 4 // one call plus up to three retries
	bulkDelay    = 2 * time.Second
	bulkMaxDelay = 10 * time.Minute
)

// BulkResult partitions one bulk call by stream entry id.
type BulkResult struct {
	Succeeded []string
	Failed    []string
}

// Sink ships transformed documents to their store. An error return is
// systemic (nothing was durably written); item-level failures come back
// in the result.
type Sink interface {
	Bulk(ctx context.Context, docs []Document) (BulkResult, error)
}

// ElasticSink indexes documents through the Elasticsearch bulk API.
type ElasticSink struct {
	client     *elasticsearch.Client
	retryDelay time.Duration
}

// NewElasticSink builds a sink over the given node addresses. The
// transport's own retries are disabled; the retry policy lives in Bulk.
func NewElasticSink(hosts []string) (*ElasticSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    hosts,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &ElasticSink{client: client, retryDelay: bulkDelay}, nil
}

// Ping verifies the cluster answers. Used for boot validation and healthz.
func (s *ElasticSink) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch info: %s", res.Status())
	}
	return nil
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

type bulkItem struct {
	Status int `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Bulk indexes docs in one request, retrying transport errors and 5xx
// responses with exponential backoff. Responses are inspected per item:
// only 2xx items succeed, the rest are left for redelivery.
func (s *ElasticSink) Bulk(ctx context.Context, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}
	payload, err := encodeBulk(docs)
	if err != nil {
		return BulkResult{}, err
	}

	var resp bulkResponse
	err = retry.Do(
		func() error {
			res, err := s.client.Bulk(bytes.NewReader(payload), s.client.Bulk.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("bulk request: %w", err)
			}
			defer res.Body.Close()
			if res.StatusCode >= 500 {
				return fmt.Errorf("bulk request: %s", res.Status())
			}
			if res.IsError() {
				return retry.Unrecoverable(fmt.Errorf("bulk request rejected: %s", res.Status()))
			}
			resp = bulkResponse{}
			if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
				return fmt.Errorf("bulk response: %w", err)
			}
			return nil
		},
		retry.Attempts(bulkAttempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(bulkMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(_ uint, err error) {
			BulkRetries.Add(1)
			TlmBulkRetries.Inc()
			log.Warnf("logworker: retrying bulk request: %v", err) //nolint:errcheck
		}),
	)
	if err != nil {
		return BulkResult{}, err
	}
	return partitionBulk(docs, &resp), nil
}

// encodeBulk renders the action/source line pairs of the bulk body.
func encodeBulk(docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, d := range docs {
		var action bulkAction
		action.Index.Index = d.Index
		action.Index.ID = d.ID
		meta, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("encode bulk action for %s: %w", d.EntryID, err)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(d.Body)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// partitionBulk splits the docs by per-item status. Items come back in
// request order; a short response fails the unanswered tail.
func partitionBulk(docs []Document, resp *bulkResponse) BulkResult {
	var result BulkResult
	for i, d := range docs {
		if i >= len(resp.Items) {
			result.Failed = append(result.Failed, d.EntryID)
			continue
		}
		item, ok := resp.Items[i]["index"]
		if !ok || item.Status >= 300 {
			if item.Error != nil {
				log.Debugf("logworker: entry %s rejected by index: %s: %s",
					d.EntryID, item.Error.Type, item.Error.Reason)
			}
			result.Failed = append(result.Failed, d.EntryID)
			continue
		}
		result.Succeeded = append(result.Succeeded, d.EntryID)
	}
	return result
}
