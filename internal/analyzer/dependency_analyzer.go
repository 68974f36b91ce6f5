package analyzer

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
	"github.com/yourbasic/graph"
)

// ForeignKey is a reference between two source tables
type ForeignKey struct {
	Schema           string
	Table            string
	ReferencedSchema string
	ReferencedTable  string
}

// DependencyAnalyzer orders entities so referenced source tables load before the tables referencing them
type DependencyAnalyzer struct {
	DB     *connector.DatabaseConnector
	Logger *logrus.Logger
}

// NewDependencyAnalyzer creates an analyzer over a source connection. A nil db orders by name only.
func NewDependencyAnalyzer(db *connector.DatabaseConnector, logger *logrus.Logger) *DependencyAnalyzer {
	return &DependencyAnalyzer{
		DB:     db,
		Logger: logger,
	}
}

// Order returns params in load order. It never adds or drops entities.
func (da *DependencyAnalyzer) Order(ctx context.Context, params []models.EntityParameter) []models.EntityParameter {
	ordered := append([]models.EntityParameter(nil), params...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].TableName < ordered[j].TableName
	})

	if da.DB == nil || len(ordered) < 2 {
		return ordered
	}

	foreignKeys, err := da.ForeignKeys(ctx)
	if err != nil {
		da.Logger.Warningf("Could not read foreign keys, loading entities by name: %v", err)
		return ordered
	}

	return da.orderByDependencies(ordered, foreignKeys)
}

// ForeignKeys lists the foreign keys visible on the source connection
func (da *DependencyAnalyzer) ForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	result, err := da.DB.ExecuteQuery(ctx, da.DB.Dialect.ForeignKeysQuery())
	if err != nil {
		return nil, err
	}

	var foreignKeys []ForeignKey
	for _, row := range result {
		foreignKeys = append(foreignKeys, ForeignKey{
			Schema:           stringValue(row["table_schema"]),
			Table:            stringValue(row["table_name"]),
			ReferencedSchema: stringValue(row["referenced_table_schema"]),
			ReferencedTable:  stringValue(row["referenced_table_name"]),
		})
	}
	return foreignKeys, nil
}

func (da *DependencyAnalyzer) orderByDependencies(ordered []models.EntityParameter, foreignKeys []ForeignKey) []models.EntityParameter {
	// Edges run from the referenced entity to the referencing one
	g := graph.New(len(ordered))
	edges := 0
	for _, fk := range foreignKeys {
		child := findEntity(ordered, fk.Schema, fk.Table)
		parent := findEntity(ordered, fk.ReferencedSchema, fk.ReferencedTable)
		if child < 0 || parent < 0 || child == parent {
			continue
		}
		if !g.Edge(parent, child) {
			g.Add(parent, child)
			edges++
		}
	}

	if edges == 0 {
		return ordered
	}

	order, ok := graph.TopSort(g)
	if !ok {
		for _, component := range graph.StrongComponents(g) {
			if len(component) < 2 {
				continue
			}
			var tables []string
			for _, v := range component {
				tables = append(tables, ordered[v].TableName)
			}
			sort.Strings(tables)
			da.Logger.Warningf("Circular dependency between %s, loading entities by name", strings.Join(tables, ", "))
		}
		return ordered
	}

	result := make([]models.EntityParameter, 0, len(ordered))
	for _, v := range order {
		result = append(result, ordered[v])
	}
	da.Logger.Debugf("Resolved load order over %d foreign keys", edges)
	return result
}

// findEntity matches a source table against entity names of the form table or schema.table
func findEntity(params []models.EntityParameter, schema, table string) int {
	for i, p := range params {
		parts := strings.Split(p.EntityName, ".")
		name := parts[len(parts)-1]
		if !strings.EqualFold(name, table) {
			continue
		}
		if len(parts) > 1 && !strings.EqualFold(parts[len(parts)-2], schema) {
			continue
		}
		return i
	}
	return -1
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
