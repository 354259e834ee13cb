// Package search keeps an Elasticsearch index of executions in step with
// the event stream, so operators can query run history by status, owner,
// or error text without scanning the database.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
)

const executionsIndex = "executions"

// executionsMapping keeps ids and statuses exact-match while error text
// stays analyzable.
const executionsMapping = `{
	"mappings": {
		"properties": {
			"executionId": {"type": "keyword"},
			"workflowId":  {"type": "keyword"},
			"userId":      {"type": "keyword"},
			"status":      {"type": "keyword"},
			"error":       {"type": "text"},
			"updatedAt":   {"type": "date"}
		}
	}
}`

// ExecutionDoc is the indexed view of one execution.
type ExecutionDoc struct {
	ExecutionID string    `json:"executionId"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ExecutionQuery filters the executions index.
type ExecutionQuery struct {
	Text       string
	Status     string
	WorkflowID string
	UserID     string
	From       int
	Size       int
}

// Indexer mirrors execution lifecycle events into Elasticsearch.
type Indexer struct {
	client *elasticsearch.Client
	logger logger.Logger
}

func New(cfg *config.SearchConfig, log logger.Logger) (*Indexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.Addresses})
	if err != nil {
		return nil, fmt.Errorf("creating search client: %w", err)
	}
	return NewWithClient(client, log), nil
}

func NewWithClient(client *elasticsearch.Client, log logger.Logger) *Indexer {
	return &Indexer{client: client, logger: log.With("component", "search")}
}

// EnsureIndices creates the executions index; an already-existing index
// is not an error.
func (i *Indexer) EnsureIndices(ctx context.Context) error {
	req := esapi.IndicesCreateRequest{
		Index: executionsIndex,
		Body:  strings.NewReader(executionsMapping),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", executionsIndex, err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != 400 {
		return fmt.Errorf("creating index %s: %s", executionsIndex, res.String())
	}
	return nil
}

// Start subscribes the indexer to execution events.
func (i *Indexer) Start(bus events.EventBus) error {
	return bus.Subscribe("execution.*", i.handle)
}

func (i *Indexer) handle(ctx context.Context, event events.Event) error {
	doc, ok := docFromEvent(event)
	if !ok {
		return nil
	}
	if err := i.index(ctx, doc); err != nil {
		i.logger.Warn("Failed to index execution event",
			"execution_id", doc.ExecutionID, "event_type", event.Type, "error", err)
	}
	return nil
}

// docFromEvent maps a lifecycle event onto the index document. Approval
// decisions are skipped; the state change that follows them carries the
// resulting status.
func docFromEvent(event events.Event) (ExecutionDoc, bool) {
	doc := ExecutionDoc{
		ExecutionID: event.AggregateID,
		UserID:      event.UserID,
		UpdatedAt:   event.Timestamp,
	}
	if workflowID, ok := event.Payload["workflowId"].(string); ok {
		doc.WorkflowID = workflowID
	}

	switch event.Type {
	case events.ExecutionStarted:
		doc.Status = "running"
	case events.ExecutionCompleted:
		doc.Status = "completed"
	case events.ExecutionFailed:
		doc.Status = "failed"
		if cause, ok := event.Payload["error"].(string); ok {
			doc.Error = cause
		}
	case events.ExecutionCancelled:
		doc.Status = "cancelled"
	case events.ExecutionPendingApproval:
		doc.Status = "pending_approval"
	case events.ExecutionStateChanged:
		to, _ := event.Payload["to"].(string)
		if to == "" {
			return ExecutionDoc{}, false
		}
		doc.Status = to
	default:
		return ExecutionDoc{}, false
	}
	return doc, true
}

func (i *Indexer) index(ctx context.Context, doc ExecutionDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      executionsIndex,
		DocumentID: doc.ExecutionID,
		Body:       bytes.NewReader(data),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("indexing execution %s: %s", doc.ExecutionID, res.String())
	}
	return nil
}

// Search runs a filtered query over the executions index and returns the
// matching documents with the total hit count.
func (i *Indexer) Search(ctx context.Context, query ExecutionQuery) ([]ExecutionDoc, int64, error) {
	size := query.Size
	if size <= 0 {
		size = 20
	}

	var filters []map[string]interface{}
	if query.Status != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"status": query.Status}})
	}
	if query.WorkflowID != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"workflowId": query.WorkflowID}})
	}
	if query.UserID != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"userId": query.UserID}})
	}

	boolQuery := map[string]interface{}{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if query.Text != "" {
		boolQuery["must"] = []map[string]interface{}{
			{"match": map[string]interface{}{"error": query.Text}},
		}
	}
	if len(boolQuery) == 0 {
		boolQuery["must"] = []map[string]interface{}{{"match_all": map[string]interface{}{}}}
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"sort":  []map[string]interface{}{{"updatedAt": map[string]interface{}{"order": "desc"}}},
		"from":  query.From,
		"size":  size,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(executionsIndex),
		i.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("searching executions: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, fmt.Errorf("searching executions: %s", res.String())
	}

	var envelope struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source ExecutionDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, 0, fmt.Errorf("decoding search response: %w", err)
	}

	docs := make([]ExecutionDoc, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, envelope.Hits.Total.Value, nil
}
