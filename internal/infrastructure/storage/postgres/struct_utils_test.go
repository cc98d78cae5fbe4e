package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
)

type auditedRow struct {
	stock.StockRecord
	Note     string `db:"note" json:"note"`
	internal string //nolint:unused // untagged fields must be skipped
}

func TestExtractDBColumns_StockRecord(t *testing.T) {
	cols := ExtractDBColumns[stock.StockRecord]()

	expected := []string{
		"id", "tenant_id", "warehouse_id", "product_id",
		"quantity", "reserved", "cost_average", "version",
		"created_at", "updated_at",
	}

	assert.Equal(t, expected, cols)
}

func TestExtractDBColumns_Embedded(t *testing.T) {
	cols := ExtractDBColumns[auditedRow]()

	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "cost_average")
	assert.Contains(t, cols, "note")
	assert.NotContains(t, cols, "internal")
}

func TestStructToMap_StockRecord(t *testing.T) {
	now := time.Now().UTC()
	rec := stock.StockRecord{
		ID:          id.New(),
		TenantID:    id.New(),
		WarehouseID: id.New(),
		ProductID:   id.New(),
		Quantity:    types.NewQuantityFromFloat64(150),
		Reserved:    types.NewQuantityFromFloat64(20),
		CostAverage: types.NewMoney(600),
		Version:     3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m := StructToMap(rec)

	assert.Equal(t, rec.ID, m["id"])
	assert.Equal(t, rec.TenantID, m["tenant_id"])
	assert.Equal(t, rec.Quantity, m["quantity"])
	assert.Equal(t, rec.CostAverage, m["cost_average"])
	assert.Equal(t, 3, m["version"])
	assert.Equal(t, now, m["updated_at"])
}

func TestStructToMap_Embedded(t *testing.T) {
	row := auditedRow{
		StockRecord: stock.StockRecord{ID: id.New(), Version: 7},
		Note:        "cycle count",
	}

	m := StructToMap(row)

	assert.Equal(t, row.ID, m["id"])
	assert.Equal(t, 7, m["version"])
	assert.Equal(t, "cycle count", m["note"])
}
