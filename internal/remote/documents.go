package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// CreateDocument creates collectionPath/id with the given fields. A document
// that already exists counts as success, so retried creates are safe.
func (c *Client) CreateDocument(ctx context.Context, collectionPath, id string, fields Fields) error {
	q := url.Values{}
	q.Set("documentId", id)
	_, err := c.do(ctx, http.MethodPost, docPath(splitPath(collectionPath)...), q,
		map[string]any{"fields": encodeFields(fields)})
	if IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collectionPath, id, err)
	}
	return nil
}

// GetDocument fetches a single document. Returns ErrNotFound if it is absent.
func (c *Client) GetDocument(ctx context.Context, path string) (*Document, error) {
	data, err := c.do(ctx, http.MethodGet, docPath(splitPath(path)...), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	d := parseDocument(gjson.ParseBytes(data))
	return &d, nil
}

// RunQuery returns the documents of a top-level collection whose field
// equals value.
func (c *Client) RunQuery(ctx context.Context, collection, fieldPath string, value any) ([]Document, error) {
	body := map[string]any{
		"structuredQuery": map[string]any{
			"from": []map[string]any{{"collectionId": collection}},
			"where": map[string]any{
				"fieldFilter": map[string]any{
					"field": map[string]any{"fieldPath": fieldPath},
					"op":    "EQUAL",
					"value": encodeValue(value),
				},
			},
		},
	}
	data, err := c.doRaw(ctx, http.MethodPost, ":runQuery", body)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", collection, fieldPath, err)
	}

	var docs []Document
	gjson.ParseBytes(data).ForEach(func(_, item gjson.Result) bool {
		if d := item.Get("document"); d.Exists() {
			docs = append(docs, parseDocument(d))
		}
		return true
	})
	return docs, nil
}

// ListDocuments returns every child document of parentPath/collection,
// following page tokens.
func (c *Client) ListDocuments(ctx context.Context, parentPath, collection string) ([]Document, error) {
	segments := append(splitPath(parentPath), collection)
	var docs []Document
	token := ""
	for {
		q := url.Values{}
		q.Set("pageSize", strconv.Itoa(listPageSize))
		if token != "" {
			q.Set("pageToken", token)
		}
		data, err := c.do(ctx, http.MethodGet, docPath(segments...), q, nil)
		if errors.Is(err, ErrNotFound) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", parentPath, collection, err)
		}
		r := gjson.ParseBytes(data)
		r.Get("documents").ForEach(func(_, item gjson.Result) bool {
			docs = append(docs, parseDocument(item))
			return true
		})
		token = r.Get("nextPageToken").String()
		if token == "" {
			return docs, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// PatchDocument updates only the given fields of an existing document.
// It fails with ErrNotFound rather than creating a partial document.
func (c *Client) PatchDocument(ctx context.Context, path string, fields Fields) error {
	q := url.Values{}
	for _, k := range sortedKeys(fields) {
		q.Add("updateMask.fieldPaths", k)
	}
	q.Set("currentDocument.exists", "true")
	_, err := c.do(ctx, http.MethodPatch, docPath(splitPath(path)...), q,
		map[string]any{"fields": encodeFields(fields)})
	if err != nil {
		return fmt.Errorf("patch %s: %w", path, err)
	}
	return nil
}

// Ping checks that the store answers at all. Any response below 500,
// including 404 for the probe document, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, docPath("_health", "ping"), nil, nil)
	if IsUnavailable(err) {
		return err
	}
	return nil
}

// doRaw posts to a database-level verb such as ":runQuery".
func (c *Client) doRaw(ctx context.Context, method, verb string, body any) ([]byte, error) {
	return c.do(ctx, method, verb, nil, body)
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
