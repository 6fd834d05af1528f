package ckanapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-data/recombinant/recombinant/stores"
)

func (c *Client) CreateDataset(ctx context.Context, d stores.Dataset) (stores.Dataset, error) {
	var created stores.Dataset
	if err := c.call(ctx, "package_create", d, &created); err != nil {
		return stores.Dataset{}, err
	}
	return created, nil
}

func (c *Client) ShowDataset(ctx context.Context, id string) (stores.Dataset, error) {
	var dataset stores.Dataset
	err := c.call(ctx, "package_show", map[string]any{"id": id}, &dataset)
	if err != nil {
		return stores.Dataset{}, err
	}
	return dataset, nil
}

func (c *Client) UpdateDataset(ctx context.Context, d stores.Dataset) error {
	return c.call(ctx, "package_update", d, nil)
}

func (c *Client) DeleteDataset(ctx context.Context, id string) error {
	return c.call(ctx, "package_delete", map[string]any{"id": id}, nil)
}

func (c *Client) SearchDatasets(ctx context.Context, q stores.DatasetQuery) ([]stores.Dataset, error) {
	var terms []string
	if q.Type != "" {
		terms = append(terms, "type:"+q.Type)
	}
	if q.OwnerOrg != "" {
		terms = append(terms, "organization:"+q.OwnerOrg)
	}

	payload := map[string]any{"q": strings.Join(terms, " ")}
	if q.Limit > 0 {
		payload["rows"] = q.Limit
	}

	var result struct {
		Count   int              `json:"count"`
		Results []stores.Dataset `json:"results"`
	}
	if err := c.call(ctx, "package_search", payload, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (c *Client) TableFields(ctx context.Context, resourceId string) ([]stores.Field, error) {
	var result struct {
		Fields []stores.Field `json:"fields"`
	}
	err := c.call(ctx, "datastore_search",
		map[string]any{"resource_id": resourceId, "limit": 0}, &result)
	if err != nil {
		return nil, err
	}

	// The store prepends its internal row-id column; it is not part of the
	// declared schema.
	fields := make([]stores.Field, 0, len(result.Fields))
	for _, f := range result.Fields {
		if f.Id == "_id" {
			continue
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func (c *Client) CreateTable(ctx context.Context, req stores.CreateTableRequest) error {
	payload := map[string]any{
		"resource_id":   req.ResourceId,
		"fields":        req.Fields,
		"primary_key":   req.PrimaryKey,
		"indexes":       req.Indexes,
		"foreign_keys":  req.ForeignKeys,
		"triggers":      req.Triggers,
		"force":         req.Force,
		"delete_fields": req.DeleteFields,
	}
	return c.call(ctx, "datastore_create", payload, nil)
}

func (c *Client) CreateTriggerFunctions(ctx context.Context, triggers []stores.Trigger) error {
	for _, t := range triggers {
		if t.Body == "" {
			continue
		}
		payload := map[string]any{
			"name":       t.Name,
			"definition": t.Body,
			"or_replace": true,
		}
		if err := c.call(ctx, "datastore_function_create", payload, nil); err != nil {
			return fmt.Errorf("error creating trigger function %v: %w", t.Name, err)
		}
	}
	return nil
}

func (c *Client) Search(ctx context.Context, req stores.SearchRequest) (stores.SearchResult, error) {
	payload := map[string]any{
		"resource_id": req.ResourceId,
		"offset":      req.Offset,
		"limit":       req.Limit,
	}
	if req.Sort != "" {
		payload["sort"] = req.Sort
	}
	if len(req.Filters) > 0 {
		payload["filters"] = req.Filters
	}

	var result struct {
		Total   int             `json:"total"`
		Records []stores.Record `json:"records"`
	}
	if err := c.call(ctx, "datastore_search", payload, &result); err != nil {
		return stores.SearchResult{}, err
	}
	return stores.SearchResult{Records: result.Records, Total: result.Total}, nil
}

func (c *Client) Upsert(ctx context.Context, req stores.UpsertRequest) error {
	payload := map[string]any{
		"resource_id": req.ResourceId,
		"method":      req.Method,
		"records":     req.Records,
		"dry_run":     req.DryRun,
	}
	return c.call(ctx, "datastore_upsert", payload, nil)
}

func (c *Client) DeleteRows(ctx context.Context, resourceId string, filters map[string]any) error {
	payload := map[string]any{"resource_id": resourceId}
	if len(filters) > 0 {
		payload["filters"] = filters
	} else {
		// an explicit empty filter set deletes every row without dropping the
		// table
		payload["filters"] = map[string]any{}
	}
	return c.call(ctx, "datastore_records_delete", payload, nil)
}

func (c *Client) DropTable(ctx context.Context, resourceId string) error {
	return c.call(ctx, "datastore_delete", map[string]any{"resource_id": resourceId}, nil)
}

func (c *Client) RunTriggers(ctx context.Context, resourceId string) error {
	return c.call(ctx, "datastore_run_triggers", map[string]any{"resource_id": resourceId}, nil)
}
