// Package testutil builds throwaway databases for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-ordering/internal/models"
)

// Models lists every table in creation order.
var Models = []interface{}{
	(*models.User)(nil),
	(*models.Address)(nil),
	(*models.Category)(nil),
	(*models.MenuItem)(nil),
	(*models.ItemSize)(nil),
	(*models.AddOn)(nil),
	(*models.Offer)(nil),
	(*models.Order)(nil),
	(*models.OrderItem)(nil),
	(*models.OrderItemAddOn)(nil),
	(*models.Transaction)(nil),
}

// NewSQLiteDB opens an in-memory SQLite database with the full schema.
// A single connection keeps every query on the same in-memory database.
func NewSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	ctx := context.Background()
	for _, model := range Models {
		_, err := bunDB.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}
	return bunDB
}

// Menu ids seeded by SeedMenu.
const (
	UserID        = "user_asha"
	OtherUserID   = "user_ravi"
	AdminID       = "user_admin"
	AddressID     = "addr_home"
	OtherAddress  = "addr_ravi"
	MainsID       = "cat_mains"
	DrinksID      = "cat_drinks"
	PaneerID      = "item_paneer"
	PaneerSizeID  = "sz_paneer_full"
	LassiID       = "item_lassi"
	LassiSizeID   = "sz_lassi_glass"
	ExtraCheeseID = "ao_extra_cheese"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// SeedMenu inserts users, addresses and a small menu: Paneer Tikka at 150
// (Mains, 5% GST) with an Extra Cheese add-on at 20, and Lassi at 60 (Drinks, 18%).
func SeedMenu(t *testing.T, db *bun.DB) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	users := []models.User{
		{ID: UserID, Name: "Asha", Phone: "+919800000001", Role: models.RoleCustomer, CreatedAt: now},
		{ID: OtherUserID, Name: "Ravi", Phone: "+919800000002", Role: models.RoleCustomer, CreatedAt: now},
		{ID: AdminID, Name: "Kitchen", Role: models.RoleAdmin, CreatedAt: now},
	}
	addresses := []models.Address{
		{ID: AddressID, UserID: UserID, Label: "Home", Line1: "12 MG Road", City: "Pune", Pincode: "411001"},
		{ID: OtherAddress, UserID: OtherUserID, Label: "Work", Line1: "5 FC Road", City: "Pune", Pincode: "411004"},
	}
	categories := []models.Category{
		{ID: MainsID, Name: "Mains", GSTRate: dec("5")},
		{ID: DrinksID, Name: "Drinks", GSTRate: dec("18")},
	}
	items := []models.MenuItem{
		{ID: PaneerID, CategoryID: MainsID, Name: "Paneer Tikka", IsAvailable: true},
		{ID: LassiID, CategoryID: DrinksID, Name: "Lassi", IsAvailable: true},
	}
	sizes := []models.ItemSize{
		{ID: PaneerSizeID, MenuItemID: PaneerID, Label: "Full", Price: dec("150")},
		{ID: LassiSizeID, MenuItemID: LassiID, Label: "Glass", Price: dec("60")},
	}
	addOns := []models.AddOn{
		{ID: ExtraCheeseID, MenuItemID: PaneerID, Name: "Extra Cheese", Price: dec("20"), IsAvailable: true},
	}

	for _, rows := range []interface{}{&users, &addresses, &categories, &items, &sizes, &addOns} {
		_, err := db.NewInsert().Model(rows).Exec(ctx)
		require.NoError(t, err)
	}
}

// InsertOffer stores o, filling id and timestamps when empty.
func InsertOffer(t *testing.T, db *bun.DB, o *models.Offer) {
	t.Helper()
	if o.ID == "" {
		o.ID = "off_" + o.Code
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := db.NewInsert().Model(o).Exec(context.Background())
	require.NoError(t, err)
}

// InsertOrder stores a bare order row, used to build order history.
func InsertOrder(t *testing.T, db *bun.DB, o *models.Order) {
	t.Helper()
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
		o.UpdatedAt = now
	}
	if o.AddressSnapshot == "" {
		o.AddressSnapshot = "12 MG Road, Pune - 411001"
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = models.PaymentPending
	}
	_, err := db.NewInsert().Model(o).Exec(context.Background())
	require.NoError(t, err)
}
