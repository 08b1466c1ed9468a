package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/keypool-system/internal/model"
)

type catalogFile struct {
	Products []model.Product `yaml:"products"`
}

// DefaultCatalog возвращает каталог по умолчанию с одним типом товара на каждый тариф.
func DefaultCatalog() []model.Product {
	return []model.Product{
		{ID: "premium-1d", ProductType: "premium", Tier: model.TierOneDay, Price: 0.99, Currency: "USD", Description: "Premium access for one day"},
		{ID: "premium-7d", ProductType: "premium", Tier: model.TierSevenDays, Price: 4.99, Currency: "USD", Description: "Premium access for one week"},
		{ID: "premium-30d", ProductType: "premium", Tier: model.TierThirtyDays, Price: 14.99, Currency: "USD", Description: "Premium access for one month"},
	}
}

// LoadCatalog читает каталог товаров из YAML. Пустой путь означает каталог
// по умолчанию.
func LoadCatalog(path string) ([]model.Product, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog разбирает и проверяет YAML-каталог.
func ParseCatalog(data []byte) ([]model.Product, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, errors.New("catalog has no products")
	}

	ids := make(map[string]struct{}, len(f.Products))
	for i, p := range f.Products {
		if p.ID == "" || p.ProductType == "" {
			return nil, fmt.Errorf("product #%d: id and product_type are required", i+1)
		}
		if _, dup := ids[p.ID]; dup {
			return nil, fmt.Errorf("product %s: duplicate id", p.ID)
		}
		ids[p.ID] = struct{}{}

		if _, err := model.ParseTier(string(p.Tier)); err != nil {
			return nil, fmt.Errorf("product %s: %w", p.ID, err)
		}
		if p.Price <= 0 {
			return nil, fmt.Errorf("product %s: price must be positive", p.ID)
		}
		if p.Currency == "" {
			f.Products[i].Currency = "USD"
		}
	}

	return f.Products, nil
}
