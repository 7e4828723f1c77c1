package inventory

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/faultline-labs/faultline/internal/domain"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Products []catalogProduct `yaml:"products"`
}

type catalogProduct struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Stock int    `yaml:"stock"`
}

// LoadCatalog reads the seed product list from path, or the embedded default
// catalog when path is empty.
func LoadCatalog(path string) ([]domain.Product, error) {
	raw := defaultCatalog
	if path != "" {
		var err error
		raw, err = os.ReadFile(path) //nolint:gosec // Path comes from the operator's own config.
		if err != nil {
			return nil, fmt.Errorf("op=inventory.LoadCatalog: %w", err)
		}
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=inventory.LoadCatalog: parse: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, fmt.Errorf("op=inventory.LoadCatalog: catalog has no products")
	}
	products := make([]domain.Product, 0, len(f.Products))
	for _, p := range f.Products {
		if p.ID == "" || p.Stock < 0 {
			return nil, fmt.Errorf("op=inventory.LoadCatalog: invalid product %q", p.ID)
		}
		products = append(products, domain.Product{ID: p.ID, Name: p.Name, Stock: p.Stock})
	}
	return products, nil
}
