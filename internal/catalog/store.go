// Package catalog reads the menu, address book and user directory that other
// services own. Every method accepts either the pool or an open transaction.
package catalog

import (
	"context"

	"github.com/uptrace/bun"

	"ms-ordering/internal/models"
)

type Store struct {
	db bun.IDB
}

func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// ItemSize loads a size with its menu item and category.
func (s *Store) ItemSize(ctx context.Context, id string) (*models.ItemSize, error) {
	size := new(models.ItemSize)
	err := s.db.NewSelect().
		Model(size).
		Relation("MenuItem").
		Relation("MenuItem.Category").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return size, nil
}

func (s *Store) AddOn(ctx context.Context, id string) (*models.AddOn, error) {
	addOn := new(models.AddOn)
	err := s.db.NewSelect().
		Model(addOn).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return addOn, nil
}

func (s *Store) Address(ctx context.Context, id string) (*models.Address, error) {
	addr := new(models.Address)
	err := s.db.NewSelect().
		Model(addr).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (s *Store) User(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := s.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) Admins(ctx context.Context) ([]models.User, error) {
	var admins []models.User
	err := s.db.NewSelect().
		Model(&admins).
		Where("role = ?", models.RoleAdmin).
		Order("created_at").
		Scan(ctx)
	return admins, err
}
