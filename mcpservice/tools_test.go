package mcpservice

import (
	"context"
	"testing"

	"github.com/ggoodman/fleetmcp/mcp"
)

type containerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type statusArgs struct {
	Container string   `json:"container"`
	Fields    []string `json:"fields,omitempty"`
}

func TestNewToolWithOutputReflectsSchemas(t *testing.T) {
	tool := NewToolWithOutput[statusArgs, containerStatus]("container_status",
		func(ctx context.Context, s *Session, w ToolResponseWriterTyped[containerStatus], r *ToolRequest[statusArgs]) error {
			w.SetStructured(containerStatus{Name: r.Args().Container, Running: true})
			return nil
		},
		WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true}),
	)

	in := tool.Descriptor.InputSchema
	if want, got := "object", in.Type; want != got {
		t.Fatalf("unexpected input type: want %q got %q", want, got)
	}
	if in.AdditionalProperties {
		t.Fatalf("additional properties must be disallowed by default")
	}
	if want, got := "array", in.Properties["fields"].Type; want != got {
		t.Fatalf("unexpected fields type: want %q got %q", want, got)
	}
	if len(in.Required) != 1 || in.Required[0] != "container" {
		t.Fatalf("unexpected required list: %v", in.Required)
	}
	if tool.Descriptor.OutputSchema == nil || tool.Descriptor.OutputSchema.Properties["running"].Type != "boolean" {
		t.Fatalf("unexpected output schema: %+v", tool.Descriptor.OutputSchema)
	}

	res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "container_status", Arguments: []byte(`{"container":"web"}`)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if want, got := "web", res.StructuredContent["name"]; want != got {
		t.Fatalf("unexpected structured content: want %v got %v", want, got)
	}
	if len(res.Content) != 1 {
		t.Fatalf("structured result should carry a text rendition")
	}
}

func TestToolsContainerPaging(t *testing.T) {
	c := NewToolsContainer()
	for _, name := range []string{"a", "b", "c"} {
		if !c.Add(NewTool[struct{}](name, func(context.Context, *Session, ToolResponseWriter, *ToolRequest[struct{}]) error { return nil })) {
			t.Fatalf("add %s failed", name)
		}
	}
	if c.Add(NewTool[struct{}]("a", func(context.Context, *Session, ToolResponseWriter, *ToolRequest[struct{}]) error { return nil })) {
		t.Fatalf("duplicate name accepted")
	}
	c.SetPageSize(2)

	page, next := c.ListTools("")
	if len(page) != 2 || next != "2" {
		t.Fatalf("unexpected first page: %d tools, next %q", len(page), next)
	}
	page, next = c.ListTools(next)
	if len(page) != 1 || page[0].Name != "c" || next != "" {
		t.Fatalf("unexpected second page: %+v next %q", page, next)
	}
	page, _ = c.ListTools("garbage")
	if page[0].Name != "a" {
		t.Fatalf("bad cursor should restart from the top")
	}
}

func TestChangeNotifierCoalescesAndUnsubscribes(t *testing.T) {
	var cn ChangeNotifier
	ch, unsubscribe := cn.Subscribe()

	cn.Notify()
	cn.Notify()
	<-ch
	select {
	case <-ch:
		t.Fatalf("signals were not coalesced")
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed on unsubscribe")
	}
	if want, got := 0, cn.Len(); want != got {
		t.Fatalf("unexpected subscribers: want %d got %d", want, got)
	}
}

func TestToolResultReportsProgressOnlyWithToken(t *testing.T) {
	sess, peer := newTestSession(t)
	tool := NewTool[struct{}]("drain", func(ctx context.Context, s *Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		if err := w.SendProgress(1, 2); err != nil {
			return err
		}
		w.SetError(true)
		return w.AppendText("node still has workloads")
	})

	res, err := tool.Handler(context.Background(), sess, &mcp.CallToolRequestReceived{Name: "drain"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError || len(res.Content) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if methods := peer.methods(); len(methods) != 0 {
		t.Fatalf("progress sent without a token: %v", methods)
	}

	_, err = tool.Handler(context.Background(), sess, &mcp.CallToolRequestReceived{
		Name: "drain",
		Meta: &mcp.RequestMeta{ProgressToken: "drain-1"},
	})
	if err != nil {
		t.Fatalf("call with token: %v", err)
	}
	methods := peer.methods()
	if len(methods) != 1 || methods[0] != string(mcp.ProgressNotificationMethod) {
		t.Fatalf("expected one progress notification, got %v", methods)
	}
	params, ok := peer.notes[0].params.(mcp.ProgressNotificationParams)
	if !ok {
		t.Fatalf("unexpected params type %T", peer.notes[0].params)
	}
	if want, got := mcp.ProgressToken("drain-1"), params.ProgressToken; want != got {
		t.Fatalf("unexpected token: want %v got %v", want, got)
	}
}
