package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/invopop/jsonschema"
)

// ErrToolNotFound is returned by ToolsContainer.Call for an unknown name.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, sess *Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest carries the decoded arguments of a typed tool call.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolResponseWriterTyped extends ToolResponseWriter with structured output.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter
	structured any
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) { tw.structured = v }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
	annotations               *mcp.ToolAnnotations
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolTitle sets the human-readable title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolAnnotations attaches behavioral hints.
func WithToolAnnotations(a mcp.ToolAnnotations) ToolOption {
	return func(c *toolConfig) { c.annotations = &a }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool whose input schema is reflected from A.
func NewTool[A any](name string, fn func(ctx context.Context, sess *Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	desc := cfg.descriptor(name, reflectInputSchema[A](cfg.allowAdditionalProperties))

	handler := func(ctx context.Context, sess *Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		w := newToolResult(ctx, sess, req)
		if err := fn(ctx, sess, w, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		return w.result(), nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// NewToolWithOutput builds a typed-input, typed-output tool. The output
// schema is reflected from O and the structured value is returned as
// structuredContent.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, sess *Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	desc := cfg.descriptor(name, reflectInputSchema[A](cfg.allowAdditionalProperties))
	out := reflectOutputSchema[O]()
	desc.OutputSchema = &out

	handler := func(ctx context.Context, sess *Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		base := newToolResult(ctx, sess, req)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: base}
		if err := fn(ctx, sess, tw, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}); err != nil {
			return nil, err
		}
		res := base.result()
		if tw.structured != nil {
			b, err := json.Marshal(tw.structured)
			if err != nil {
				return nil, fmt.Errorf("marshal structured content: %w", err)
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, fmt.Errorf("structured content must be an object: %w", err)
			}
			res.StructuredContent = m
			if len(res.Content) == 0 {
				res.Content = []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(b)}}
			}
		}
		return res, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

func newToolConfig(opts []ToolOption) toolConfig {
	var cfg toolConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c toolConfig) descriptor(name string, in mcp.ToolInputSchema) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Title:       c.title,
		Description: c.description,
		InputSchema: in,
		Annotations: c.annotations,
	}
}

// decodeArgs returns an error result, not an error, for bad arguments so the
// model sees the failure.
func decodeArgs[A any](raw json.RawMessage, allowAdditional bool) (A, *mcp.CallToolResult) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if !allowAdditional {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&a); err != nil {
		return a, Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}, AdditionalProperties: allowAdditional}
	}
	props, required := objectProperties(s)
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func reflectOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props, required := objectProperties(s)
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

func objectProperties(s *jsonschema.Schema) (map[string]mcp.SchemaProperty, []string) {
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return props, required
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		p.Properties, _ = objectProperties(s)
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tools. Changes are
// signalled to subscribed sessions, which forward them to their clients as
// notifications/tools/list_changed.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
	pageSize int

	notifier ChangeNotifier
}

// NewToolsContainer constructs a container holding defs.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	c := &ToolsContainer{pageSize: 50, handlers: make(map[string]ToolHandler)}
	for _, d := range defs {
		c.add(d)
	}
	return c
}

// SetPageSize sets the tools/list page size. Non-positive values are ignored.
func (c *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.pageSize = n
	c.mu.Unlock()
}

// Snapshot returns a copy of the current tool descriptors.
func (c *ToolsContainer) Snapshot() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Add registers def unless its name is taken. It reports whether it was added.
func (c *ToolsContainer) Add(def StaticTool) bool {
	c.mu.Lock()
	added := c.add(def)
	c.mu.Unlock()
	if added {
		c.notifier.Notify()
	}
	return added
}

func (c *ToolsContainer) add(def StaticTool) bool {
	name := def.Descriptor.Name
	if _, exists := c.handlers[name]; exists || def.Handler == nil {
		return false
	}
	c.tools = append(c.tools, def.Descriptor)
	c.handlers[name] = def.Handler
	return true
}

// Remove deletes a tool by name and reports whether it existed.
func (c *ToolsContainer) Remove(name string) bool {
	c.mu.Lock()
	_, ok := c.handlers[name]
	if ok {
		delete(c.handlers, name)
		n := 0
		for _, t := range c.tools {
			if t.Name != name {
				c.tools[n] = t
				n++
			}
		}
		c.tools = c.tools[:n]
	}
	c.mu.Unlock()
	if ok {
		c.notifier.Notify()
	}
	return ok
}

// Subscribe registers for change signals.
func (c *ToolsContainer) Subscribe() (<-chan struct{}, func()) {
	return c.notifier.Subscribe()
}

// ListTools returns the page starting at cursor and the cursor of the next
// page, or "" on the last page. Unparseable cursors restart from the top.
func (c *ToolsContainer) ListTools(cursor string) ([]mcp.Tool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(c.tools) {
			start = n
		}
	}
	end := min(start+c.pageSize, len(c.tools))
	items := make([]mcp.Tool, end-start)
	copy(items, c.tools[start:end])
	if end < len(c.tools) {
		return items, strconv.Itoa(end)
	}
	return items, ""
}

// Call dispatches req to the named tool.
func (c *ToolsContainer) Call(ctx context.Context, sess *Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	h := c.handlers[req.Name]
	c.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, sess, req)
}

// TextResult builds a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, a...)}}, IsError: true}
}
