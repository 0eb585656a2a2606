package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// PaginationOp is one of the four paginated list operations.
type PaginationOp int

// Paginated list operations.
const (
	OpResourcesList PaginationOp = iota
	OpResourceTemplatesList
	OpPromptsList
	OpToolsList
)

// PaginationOps lists every operation in a stable order.
var PaginationOps = []PaginationOp{
	OpResourcesList,
	OpResourceTemplatesList,
	OpPromptsList,
	OpToolsList,
}

// Method returns the JSON-RPC method for op.
func (op PaginationOp) Method() string {
	switch op {
	case OpResourcesList:
		return MethodResourcesList
	case OpResourceTemplatesList:
		return MethodResourceTemplatesList
	case OpPromptsList:
		return MethodPromptsList
	case OpToolsList:
		return MethodToolsList
	}
	return ""
}

// Key returns the result field that holds the items of one page.
func (op PaginationOp) Key() string {
	switch op {
	case OpResourcesList:
		return "resources"
	case OpResourceTemplatesList:
		return "resourceTemplates"
	case OpPromptsList:
		return "prompts"
	case OpToolsList:
		return "tools"
	}
	return ""
}

func (op PaginationOp) String() string {
	if m := op.Method(); m != "" {
		return m
	}
	return fmt.Sprintf("PaginationOp(%d)", int(op))
}

// Pagination errors.
var (
	// ErrRepeatedCursor is returned when a server hands back a cursor it
	// already returned during the same listing.
	ErrRepeatedCursor = errors.New("server repeated a pagination cursor")

	// ErrMalformedPage is returned when a page lacks the items key or the
	// items are not an array.
	ErrMalformedPage = errors.New("malformed list page")
)

// PageError reports which page of a listing failed. Page is zero-based.
type PageError struct {
	Op   PaginationOp
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Caller issues a single request. [*Client] implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ListResult holds every item of a complete listing in server order.
type ListResult struct {
	Op    PaginationOp
	Items []json.RawMessage
	Pages int
}

// Paginate fetches every page of op. Each page is retried once on
// failure, except after a disconnect or a repeated cursor.
func Paginate(ctx context.Context, caller Caller, op PaginationOp) (*ListResult, error) {
	result := &ListResult{Op: op}
	seen := make(map[string]bool)
	cursor := ""

	for page := 0; ; page++ {
		items, next, err := fetchPage(ctx, caller, op, cursor)
		if err != nil && retryable(ctx, err) {
			items, next, err = fetchPage(ctx, caller, op, cursor)
		}
		if err != nil {
			return nil, &PageError{Op: op, Page: page, Err: err}
		}

		result.Items = append(result.Items, items...)
		result.Pages++

		if next == "" {
			return result, nil
		}
		if seen[next] || next == cursor {
			return nil, &PageError{Op: op, Page: page, Err: fmt.Errorf("%w: %q", ErrRepeatedCursor, next)}
		}
		seen[next] = true
		cursor = next
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrServerNotInitialized)
}

func fetchPage(ctx context.Context, caller Caller, op PaginationOp, cursor string) ([]json.RawMessage, string, error) {
	var params any
	if cursor != "" {
		params = map[string]string{"cursor": cursor}
	}

	raw, err := caller.Call(ctx, op.Method(), params)
	if err != nil {
		return nil, "", err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMalformedPage, err)
	}
	rawItems, ok := fields[op.Key()]
	if !ok {
		return nil, "", fmt.Errorf("%w: missing %q", ErrMalformedPage, op.Key())
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawItems, &items); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrMalformedPage, op.Key(), err)
	}

	var next string
	if rawNext, ok := fields["nextCursor"]; ok {
		var s *string
		if err := json.Unmarshal(rawNext, &s); err != nil {
			return nil, "", fmt.Errorf("%w: nextCursor: %w", ErrMalformedPage, err)
		}
		if s != nil {
			next = *s
		}
	}
	return items, next, nil
}

// ToolsListResult is a complete tools/list listing.
type ToolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// PromptsListResult is a complete prompts/list listing.
type PromptsListResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// ResourcesListResult is a complete resources/list listing.
type ResourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ResourceTemplatesListResult is a complete resources/templates/list
// listing.
type ResourceTemplatesListResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// DecodeItems unmarshals every item of r into T.
func DecodeItems[T any](r *ListResult) ([]T, error) {
	out := make([]T, 0, len(r.Items))
	for i, raw := range r.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s item %d: %w", r.Op, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ListTools returns every tool the server exposes.
func (c *Client) ListTools(ctx context.Context) (*ToolsListResult, error) {
	r, err := Paginate(ctx, c, OpToolsList)
	if err != nil {
		return nil, err
	}
	tools, err := DecodeItems[ToolDefinition](r)
	if err != nil {
		return nil, err
	}
	c.logger.Info("discovered MCP tools", "count", len(tools), "pages", r.Pages)
	return &ToolsListResult{Tools: tools}, nil
}

// ListPrompts returns every prompt the server exposes.
func (c *Client) ListPrompts(ctx context.Context) (*PromptsListResult, error) {
	r, err := Paginate(ctx, c, OpPromptsList)
	if err != nil {
		return nil, err
	}
	prompts, err := DecodeItems[Prompt](r)
	if err != nil {
		return nil, err
	}
	return &PromptsListResult{Prompts: prompts}, nil
}

// ListResources returns every resource the server exposes.
func (c *Client) ListResources(ctx context.Context) (*ResourcesListResult, error) {
	r, err := Paginate(ctx, c, OpResourcesList)
	if err != nil {
		return nil, err
	}
	resources, err := DecodeItems[Resource](r)
	if err != nil {
		return nil, err
	}
	return &ResourcesListResult{Resources: resources}, nil
}

// ListResourceTemplates returns every resource template the server
// exposes.
func (c *Client) ListResourceTemplates(ctx context.Context) (*ResourceTemplatesListResult, error) {
	r, err := Paginate(ctx, c, OpResourceTemplatesList)
	if err != nil {
		return nil, err
	}
	templates, err := DecodeItems[ResourceTemplate](r)
	if err != nil {
		return nil, err
	}
	return &ResourceTemplatesListResult{ResourceTemplates: templates}, nil
}
