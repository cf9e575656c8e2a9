package builtin

import (
	"context"
	"strings"

	"github.com/docker/agentlab/pkg/tools"
)

const (
	ToolNameCheckInventory            = "check_inventory"
	ToolNameGetRestockRecommendations = "get_restock_recommendations"
)

// Product is one line of the stock table.
type Product struct {
	ID           string `json:"product_id"`
	Name         string `json:"name"`
	Stock        int    `json:"current_stock"`
	ReorderLevel int    `json:"reorder_level"`
}

func (p Product) needsReorder() bool {
	return p.Stock <= p.ReorderLevel
}

// DefaultInventory is the demo warehouse.
func DefaultInventory() []Product {
	return []Product{
		{ID: "laptop-dell-5000", Name: "Dell Laptop 5000", Stock: 45, ReorderLevel: 20},
		{ID: "laptop-hp-elite", Name: "HP EliteBook", Stock: 12, ReorderLevel: 15},
		{ID: "monitor-lg-27", Name: `LG 27" Monitor`, Stock: 8, ReorderLevel: 10},
		{ID: "keyboard-logitech", Name: "Logitech Keyboard", Stock: 67, ReorderLevel: 25},
		{ID: "mouse-logitech", Name: "Logitech Mouse", Stock: 52, ReorderLevel: 30},
	}
}

type CheckInventoryArgs struct {
	ProductID string `json:"product_id" jsonschema:"The product identifier, for example laptop-dell-5000"`
}

type InventoryStatus struct {
	Product
	NeedsReorder bool   `json:"needs_reorder"`
	Status       string `json:"status"`
}

type RestockRecommendation struct {
	Product
	SuggestedOrder int `json:"suggested_order"`
}

type RestockReport struct {
	TotalProductsToReorder int                     `json:"total_products_to_reorder,omitempty"`
	Recommendations        []RestockRecommendation `json:"recommendations,omitempty"`
	Message                string                  `json:"message,omitempty"`
}

type InventoryTool struct {
	tools.BaseToolSet
	products []Product
}

var _ tools.ToolSet = (*InventoryTool)(nil)

// NewInventoryTool serves products, or DefaultInventory when none are given.
func NewInventoryTool(products ...Product) *InventoryTool {
	if len(products) == 0 {
		products = DefaultInventory()
	}
	return &InventoryTool{products: products}
}

func (t *InventoryTool) find(id string) (Product, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range t.products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func (t *InventoryTool) checkInventory(_ context.Context, args CheckInventoryArgs) (*tools.ToolCallResult, error) {
	p, ok := t.find(args.ProductID)
	if !ok {
		return resultErrorJSON("Product not found")
	}

	status := "ADEQUATE"
	if p.needsReorder() {
		status = "LOW STOCK"
	}
	return tools.ResultJSON(InventoryStatus{
		Product:      p,
		NeedsReorder: p.needsReorder(),
		Status:       status,
	})
}

func (t *InventoryTool) restockRecommendations(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
	var recs []RestockRecommendation
	for _, p := range t.products {
		if !p.needsReorder() {
			continue
		}
		recs = append(recs, RestockRecommendation{
			Product:        p,
			SuggestedOrder: p.ReorderLevel*2 - p.Stock,
		})
	}

	if len(recs) == 0 {
		return tools.ResultJSON(RestockReport{Message: "All products adequately stocked"})
	}
	return tools.ResultJSON(RestockReport{
		TotalProductsToReorder: len(recs),
		Recommendations:        recs,
	})
}

func (t *InventoryTool) Tools(context.Context) ([]tools.Tool, error) {
	return []tools.Tool{
		{
			Name:        ToolNameCheckInventory,
			Category:    "inventory",
			Description: "Check the current stock level of a product and whether it needs reordering.",
			Parameters:  tools.MustSchemaFor[CheckInventoryArgs](),
			Handler:     tools.NewHandler(t.checkInventory),
			Annotations: tools.ToolAnnotations{Title: "Check Inventory", ReadOnlyHint: true},
		},
		{
			Name:        ToolNameGetRestockRecommendations,
			Category:    "inventory",
			Description: "List every product at or below its reorder level with a suggested order quantity.",
			Handler:     t.restockRecommendations,
			Annotations: tools.ToolAnnotations{Title: "Restock Recommendations", ReadOnlyHint: true},
		},
	}, nil
}
