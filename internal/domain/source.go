package domain

import (
	"fmt"
	"strings"
)

const (
	SourceShop      = "shop"
	SourceWarehouse = "warehouse"
	SourceClient    = "client"
)

// MaterialSource says where the goods for a sale line come from.
// ShopStock carries the store whose ledger is drawn down; WarehouseStock
// is resolved to the primary store; Client material never touches stock.
type MaterialSource struct {
	kind    string
	storeID string
}

func ShopStock(storeID string) MaterialSource {
	return MaterialSource{kind: SourceShop, storeID: storeID}
}

func WarehouseStock() MaterialSource {
	return MaterialSource{kind: SourceWarehouse}
}

func ClientMaterial() MaterialSource {
	return MaterialSource{kind: SourceClient}
}

// ParseMaterialSource maps the wire value of a sale line. Empty means the
// selling store's own stock.
func ParseMaterialSource(raw string, saleStoreID string) (MaterialSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", SourceShop:
		return ShopStock(saleStoreID), nil
	case SourceWarehouse:
		return WarehouseStock(), nil
	case SourceClient:
		return ClientMaterial(), nil
	default:
		return MaterialSource{}, fmt.Errorf("unknown material source %q", raw)
	}
}

func (m MaterialSource) Kind() string {
	return m.kind
}

// Resolve returns the store whose ledger the line decrements, or "" when
// the line consumes no stock.
func (m MaterialSource) Resolve(primaryStoreID string) (string, error) {
	switch m.kind {
	case SourceShop:
		return m.storeID, nil
	case SourceWarehouse:
		if primaryStoreID == "" {
			return "", fmt.Errorf("warehouse stock requested but no primary store is configured")
		}
		return primaryStoreID, nil
	case SourceClient:
		return "", nil
	default:
		return "", fmt.Errorf("material source not set")
	}
}
