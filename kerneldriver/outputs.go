package kerneldriver

import (
	"context"
	"strings"

	"kbridge/capability"
	"kbridge/protocol"
)

const ywidgetMimeType = "application/vnd.jupyter.ywidget-view+json"

// ApplyOutput funnels a single iopub message into the cell document's
// outputs sequence, per the four output-record variants. Callers must
// invoke it inside a capability.CellDocument.Transaction so a message
// touching more than one field lands atomically. status messages are
// not outputs and are ignored here; input_request is reported back via
// the bool return so the caller can hand it to the stdin mediator.
func ApplyOutput(ctx context.Context, doc capability.CellDocument, widgets capability.WidgetRegistry, msg *protocol.Message) (isInputRequest bool, err error) {
	switch msg.Header.MsgType {
	case "stream":
		appendOrCoalesceStream(doc, msg.Content)
	case "display_data", "execute_result":
		out, err := buildDisplayOrResultOutput(ctx, widgets, msg.Header.MsgType, msg.Content)
		if err != nil {
			return false, err
		}
		doc.AppendOutput(out)
	case "error":
		doc.AppendOutput(buildErrorOutput(msg.Content))
	case "status":
		// not an output; state transitions are handled by the engine.
	case "input_request":
		return true, nil
	default:
		// unknown iopub message types pass through with no effect.
	}
	return false, nil
}

// stripTrailingNewline removes at most one trailing newline from s,
// preferring "\n" over the OS line separator when both could apply.
// The source material strips one or the other inconsistently; this is
// the resolved behavior (see DESIGN.md).
func stripTrailingNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s[:len(s)-1]
	}
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return s
}

func appendOrCoalesceStream(doc capability.CellDocument, content map[string]any) {
	name, _ := content["name"].(string)
	text, _ := content["text"].(string)
	chunk := stripTrailingNewline(text)

	n := doc.OutputsLen()
	if n > 0 {
		last := doc.OutputAt(n - 1)
		if last != nil && last["output_type"] == "stream" && last["name"] == name {
			seq, _ := last["text"].([]string)
			last["text"] = append(seq, chunk)
			doc.SetOutputAt(n-1, last)
			return
		}
	}
	doc.AppendOutput(buildStreamOutput(name, chunk))
}

func buildStreamOutput(name, firstChunk string) map[string]any {
	return map[string]any{
		"output_type": "stream",
		"name":        name,
		"text":        []string{firstChunk},
	}
}

func buildDisplayOrResultOutput(ctx context.Context, widgets capability.WidgetRegistry, outputType string, content map[string]any) (map[string]any, error) {
	data, _ := content["data"].(map[string]any)
	if widgets != nil {
		if _, ok := data[ywidgetMimeType]; ok {
			return resolveWidgetOutput(ctx, widgets, data)
		}
	}

	out := map[string]any{
		"output_type": outputType,
		"data":        data,
		"metadata":    map[string]any{},
	}
	if ec, ok := content["execution_count"]; ok {
		out["execution_count"] = ec
	}
	return out, nil
}

func resolveWidgetOutput(ctx context.Context, widgets capability.WidgetRegistry, data map[string]any) (map[string]any, error) {
	ref, _ := data[ywidgetMimeType].(map[string]any)
	modelID, _ := ref["model_id"].(string)

	handle, ok := widgets.Resolve(modelID)
	if !ok {
		return map[string]any{"output_type": "display_data", "data": data, "metadata": map[string]any{}}, nil
	}
	path, _ := ref["path"].(string)
	if err := widgets.EnsureRoom(ctx, path, handle); err != nil {
		return nil, err
	}
	return map[string]any{
		"output_type":  "display_data",
		"widget":       handle,
		"ywidget_path": path,
	}, nil
}

func buildErrorOutput(content map[string]any) map[string]any {
	return map[string]any{
		"output_type": "error",
		"ename":       content["ename"],
		"evalue":      content["evalue"],
		"traceback":   stringSlice(content["traceback"]),
	}
}

// stringSlice coerces the []any a JSON array decodes into (via
// map[string]any) into a []string, the shape the traceback field is
// specified to carry. A bare .([]string) type assertion never
// succeeds here since encoding/json never produces []string on its
// own.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}
