package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adi99/callAI-sub000/internal/llm"
)

const defaultSearchLimit = 5

// ToolDefinitions lists the functions the model may call to answer caller
// questions with real data.
func ToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "get_order_status",
			Description: "Look up the current status of a customer order by its order ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{
						"type":        "string",
						"description": "The order identifier the caller provided.",
					},
				},
				"required": []string{"order_id"},
			},
		},
		{
			Name:        "search_products",
			Description: "Search the product catalog by name or keyword.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Free-text product search query.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Dispatch executes one model-issued function call against the service and
// returns a JSON document suitable for a tool message. Unknown records come
// back as a structured "not found" payload rather than an error so the model
// can tell the caller instead of the turn failing.
func Dispatch(ctx context.Context, svc Service, call llm.FunctionCall) (string, error) {
	switch call.Name {
	case "get_order_status":
		var args struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		order, err := svc.OrderStatus(ctx, args.OrderID)
		if errors.Is(err, ErrNotFound) {
			return marshalResult(map[string]any{"found": false, "order_id": args.OrderID})
		}
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"found": true, "order": order})

	case "search_products":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		products, err := svc.SearchProducts(ctx, args.Query, defaultSearchLimit)
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"products": products})

	default:
		return "", fmt.Errorf("unknown function %q", call.Name)
	}
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
