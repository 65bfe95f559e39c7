package spec

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Parameters is an opaque string map persisted as a JSON column. It is used
// for payment metadata forwarded from the payment processor.
type Parameters map[string]string

func (p *Parameters) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*p = make(Parameters)
		return nil
	}
	return json.Unmarshal(bytes, &p)
}

func (p Parameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (*Parameters) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
