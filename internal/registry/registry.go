package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// TableName is the parameter registry table inside each instance schema
const TableName = "entity_params"

// Registry reads the per-entity parameters of one instance schema
type Registry struct {
	DB     *connector.DatabaseConnector
	Schema string
	Logger *logrus.Logger
}

// NewRegistry creates a registry reader for schema on the target connection
func NewRegistry(db *connector.DatabaseConnector, schema string, logger *logrus.Logger) *Registry {
	return &Registry{
		DB:     db,
		Schema: schema,
		Logger: logger,
	}
}

// ReadParams returns every configured entity keyed by target table name, active or not
func (r *Registry) ReadParams(ctx context.Context) (map[string]models.EntityParameter, error) {
	query := fmt.Sprintf(`
		SELECT
			table_name,
			entity_name,
			business_key,
			modified_field,
			load_method,
			chunksize,
			active
		FROM %s
	`, r.DB.Table(r.Schema, TableName))

	rows, err := r.DB.ExecuteQuery(ctx, query)
	if err != nil {
		r.Logger.Errorf("Error reading %s.%s: %v", r.Schema, TableName, err)
		return nil, fmt.Errorf("failed to read entity parameters from %s: %w", r.Schema, err)
	}

	params := make(map[string]models.EntityParameter, len(rows))
	for _, row := range rows {
		param, err := rowToParam(row)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", models.ErrConfiguration, r.Schema, TableName, err)
		}
		params[param.TableName] = param
	}

	r.Logger.Debugf("Read %d entity parameters from %s", len(params), r.Schema)
	return params, nil
}

func rowToParam(row map[string]interface{}) (models.EntityParameter, error) {
	tableName := toString(row["table_name"])
	if tableName == "" {
		return models.EntityParameter{}, fmt.Errorf("row with empty table_name")
	}

	param := models.EntityParameter{
		TableName:     tableName,
		EntityName:    toString(row["entity_name"]),
		BusinessKey:   toString(row["business_key"]),
		ModifiedField: toString(row["modified_field"]),
		LoadMethod:    models.LoadMethod(strings.ToLower(strings.TrimSpace(toString(row["load_method"])))),
		Active:        toBool(row["active"]),
	}

	if row["chunksize"] != nil {
		size, err := toInt(row["chunksize"])
		if err != nil {
			return param, fmt.Errorf("invalid chunksize for %s: %v", tableName, err)
		}
		param.ChunkSize = &size
	}

	return param, nil
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toInt(v interface{}) (int, error) {
	switch val := v.(type) {
	case int64:
		return int(val), nil
	case int32:
		return int(val), nil
	case int:
		return val, nil
	case float64:
		return int(val), nil
	default:
		s := toString(val)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), nil
		}
		return 0, fmt.Errorf("cannot convert %q to int", s)
	}
}

// toBool accepts BOOLEAN, TINYINT(1) and BIT(1) encodings
func toBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case []byte:
		return len(val) > 0 && (val[0] == 1 || val[0] == '1' || val[0] == 't' || val[0] == 'T')
	case string:
		if len(val) == 1 && val[0] == 1 {
			return true
		}
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return err == nil && b
	}
	return false
}
