package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// appendScript adds params.value to the array property params.property.
const appendScript = "if (ctx._source[params.property] == null) { ctx._source[params.property] = []; } " +
	"ctx._source[params.property].add(params.value);"

// ElasticConfig holds connection settings for Elasticsearch.
type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
}

// Elastic implements Store over the Elasticsearch REST API.
type Elastic struct {
	es     *elasticsearch.Client
	logger *zap.SugaredLogger
}

// NewElastic creates an Elasticsearch-backed store.
func NewElastic(cfg ElasticConfig, logger *zap.SugaredLogger) (*Elastic, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Elastic{es: es, logger: logger}, nil
}

// CreateIndex creates an index with the given settings.
func (e *Elastic) CreateIndex(ctx context.Context, index string, settings map[string]any) error {
	body, err := encode(map[string]any{"settings": settings})
	if err != nil {
		return err
	}
	res, err := e.es.Indices.Create(index,
		e.es.Indices.Create.WithContext(ctx),
		e.es.Indices.Create.WithBody(body))
	return check("create index "+index, res, err, nil)
}

// DeleteIndex removes an index. A missing index is not an error.
func (e *Elastic) DeleteIndex(ctx context.Context, index string) error {
	res, err := e.es.Indices.Delete([]string{index}, e.es.Indices.Delete.WithContext(ctx))
	if err == nil && res.StatusCode == 404 {
		res.Body.Close()
		return nil
	}
	return check("delete index "+index, res, err, nil)
}

func (e *Elastic) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := e.es.Indices.Exists([]string{index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, fmt.Errorf("index exists %s: %s", index, res.Status())
	}
}

func (e *Elastic) OpenIndex(ctx context.Context, index string) error {
	res, err := e.es.Indices.Open([]string{index}, e.es.Indices.Open.WithContext(ctx))
	return check("open index "+index, res, err, nil)
}

func (e *Elastic) CloseIndex(ctx context.Context, index string) error {
	res, err := e.es.Indices.Close([]string{index}, e.es.Indices.Close.WithContext(ctx))
	return check("close index "+index, res, err, nil)
}

func (e *Elastic) PutSettings(ctx context.Context, index string, settings map[string]any) error {
	body, err := encode(map[string]any{"index": settings})
	if err != nil {
		return err
	}
	res, err := e.es.Indices.PutSettings(body,
		e.es.Indices.PutSettings.WithContext(ctx),
		e.es.Indices.PutSettings.WithIndex(index))
	return check("put settings "+index, res, err, nil)
}

func (e *Elastic) PutMapping(ctx context.Context, index string, properties map[string]any) error {
	body, err := encode(map[string]any{"properties": properties})
	if err != nil {
		return err
	}
	res, err := e.es.Indices.PutMapping([]string{index}, body, e.es.Indices.PutMapping.WithContext(ctx))
	return check("put mapping "+index, res, err, nil)
}

func (e *Elastic) Refresh(ctx context.Context, index string) error {
	res, err := e.es.Indices.Refresh(
		e.es.Indices.Refresh.WithContext(ctx),
		e.es.Indices.Refresh.WithIndex(index))
	return check("refresh "+index, res, err, nil)
}

// AliasTargets lists the indices behind alias; none when it does not exist.
func (e *Elastic) AliasTargets(ctx context.Context, alias string) ([]string, error) {
	res, err := e.es.Indices.GetAlias(
		e.es.Indices.GetAlias.WithContext(ctx),
		e.es.Indices.GetAlias.WithName(alias))
	if err == nil && res.StatusCode == 404 {
		res.Body.Close()
		return nil, nil
	}
	var out map[string]json.RawMessage
	if err := check("get alias "+alias, res, err, &out); err != nil {
		return nil, err
	}
	indices := make([]string, 0, len(out))
	for index := range out {
		indices = append(indices, index)
	}
	return indices, nil
}

// SwapAlias repoints alias in a single _aliases request.
func (e *Elastic) SwapAlias(ctx context.Context, alias, add string, remove []string) error {
	actions := []map[string]any{
		{"add": map[string]any{"index": add, "alias": alias}},
	}
	for _, index := range remove {
		actions = append(actions, map[string]any{"remove": map[string]any{"index": index, "alias": alias}})
	}
	body, err := encode(map[string]any{"actions": actions})
	if err != nil {
		return err
	}
	res, err := e.es.Indices.UpdateAliases(body, e.es.Indices.UpdateAliases.WithContext(ctx))
	return check("swap alias "+alias, res, err, nil)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// Bulk writes ops in one _bulk request. Any failed item fails the call.
func (e *Elastic) Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	if len(ops) == 0 {
		return BulkResult{}, nil
	}
	body, err := encodeBulk(ops)
	if err != nil {
		return BulkResult{}, err
	}
	res, err := e.es.Bulk(body, e.es.Bulk.WithContext(ctx))
	var out bulkResponse
	if err := check("bulk", res, err, &out); err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	var failures []string
	for _, item := range out.Items {
		for action, r := range item {
			if r.Status >= 300 {
				failures = append(failures, fmt.Sprintf("%s %s: %s", action, r.ID, r.Error))
				continue
			}
			if action == string(OpUpdate) {
				result.Updated++
			} else {
				result.Indexed++
			}
		}
	}
	if out.Errors || len(failures) > 0 {
		return result, fmt.Errorf("bulk: %d of %d operations failed: %s",
			len(failures), len(ops), strings.Join(failures, "; "))
	}
	e.logger.Debugw("Bulk written", "indexed", result.Indexed, "updated", result.Updated)
	return result, nil
}

// encodeBulk renders ops as newline-delimited action/source pairs.
func encodeBulk(ops []BulkOp) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_index": op.Index}
		if op.ID != "" {
			meta["_id"] = op.ID
		}
		switch op.Type {
		case OpIndex:
			if err := enc.Encode(map[string]any{"index": meta}); err != nil {
				return nil, err
			}
			if err := enc.Encode(op.Doc); err != nil {
				return nil, err
			}
		case OpUpdate:
			if op.Append == nil || op.ID == "" {
				return nil, fmt.Errorf("bulk update on %s needs an id and an append", op.Index)
			}
			if err := enc.Encode(map[string]any{"update": meta}); err != nil {
				return nil, err
			}
			if err := enc.Encode(map[string]any{
				"script": map[string]any{
					"source": appendScript,
					"lang":   "painless",
					"params": map[string]any{"property": op.Append.Property, "value": op.Append.Value},
				},
				"upsert": op.Upsert,
			}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown bulk op type %q", op.Type)
		}
	}
	return &buf, nil
}

func (e *Elastic) Count(ctx context.Context, index string, filter Filter) (int64, error) {
	body, err := encode(map[string]any{"query": filterQuery(filter)})
	if err != nil {
		return 0, err
	}
	res, err := e.es.Count(
		e.es.Count.WithContext(ctx),
		e.es.Count.WithIndex(index),
		e.es.Count.WithBody(body))
	var out struct {
		Count int64 `json:"count"`
	}
	if err := check("count "+index, res, err, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (e *Elastic) DeleteByQuery(ctx context.Context, index string, filter Filter) (int64, error) {
	body, err := encode(map[string]any{"query": filterQuery(filter)})
	if err != nil {
		return 0, err
	}
	res, err := e.es.DeleteByQuery([]string{index}, body,
		e.es.DeleteByQuery.WithContext(ctx),
		e.es.DeleteByQuery.WithRefresh(true))
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := check("delete by query "+index, res, err, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (e *Elastic) Search(ctx context.Context, index string, filter Filter, size int) ([]Hit, error) {
	body, err := encode(map[string]any{"query": filterQuery(filter)})
	if err != nil {
		return nil, err
	}
	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(index),
		e.es.Search.WithBody(body),
		e.es.Search.WithSize(size))
	var out struct {
		Hits struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := check("search "+index, res, err, &out); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(out.Hits.Hits))
	for i, h := range out.Hits.Hits {
		hits[i] = Hit{ID: h.ID, Source: h.Source}
	}
	return hits, nil
}

// Close is a no-op; the HTTP transport owns no resources to release.
func (e *Elastic) Close() error { return nil }

// filterQuery renders a Filter as a bool query of terms clauses.
func filterQuery(f Filter) map[string]any {
	if len(f.Terms) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	clauses := make([]map[string]any, 0, len(f.Terms))
	for _, field := range f.Fields() {
		clauses = append(clauses, map[string]any{"terms": map[string]any{field: f.Terms[field]}})
	}
	return map[string]any{"bool": map[string]any{"filter": clauses}}
}

func encode(v any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}

// check closes the response, turns error statuses into errors, and decodes
// the body into out when given.
func check(op string, res *esapi.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%s: %s", op, res.String())
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
