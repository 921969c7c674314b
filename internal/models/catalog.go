package models

import (
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Catalog tables are owned by the menu service; this service only reads them.

type Category struct {
	bun.BaseModel `bun:"table:categories,alias:c"`

	ID      string          `bun:"id,pk" json:"id"`
	Name    string          `bun:"name,notnull" json:"name"`
	GSTRate decimal.Decimal `bun:"gst_rate,type:decimal(5,2),notnull" json:"gstRate"`
}

type MenuItem struct {
	bun.BaseModel `bun:"table:menu_items,alias:mi"`

	ID          string `bun:"id,pk" json:"id"`
	CategoryID  string `bun:"category_id,notnull" json:"categoryId"`
	Name        string `bun:"name,notnull" json:"name"`
	IsAvailable bool   `bun:"is_available,notnull" json:"isAvailable"`

	Category *Category `bun:"rel:belongs-to,join:category_id=id" json:"category,omitempty"`
}

type ItemSize struct {
	bun.BaseModel `bun:"table:item_sizes,alias:sz"`

	ID         string          `bun:"id,pk" json:"id"`
	MenuItemID string          `bun:"menu_item_id,notnull" json:"menuItemId"`
	Label      string          `bun:"label,notnull" json:"label"`
	Price      decimal.Decimal `bun:"price,type:decimal(12,2),notnull" json:"price"`

	MenuItem *MenuItem `bun:"rel:belongs-to,join:menu_item_id=id" json:"menuItem,omitempty"`
}

type AddOn struct {
	bun.BaseModel `bun:"table:add_ons,alias:ao"`

	ID          string          `bun:"id,pk" json:"id"`
	MenuItemID  string          `bun:"menu_item_id,notnull" json:"menuItemId"`
	Name        string          `bun:"name,notnull" json:"name"`
	Price       decimal.Decimal `bun:"price,type:decimal(12,2),notnull" json:"price"`
	IsAvailable bool            `bun:"is_available,notnull" json:"isAvailable"`
}
