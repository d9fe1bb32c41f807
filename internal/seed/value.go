package seed

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"db-pipe/internal/schema"
)

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return s
}

// intMax is the largest value an integer type holds, for capping generated keys.
func intMax(dataType string) int64 {
	switch dt := strings.ToLower(dataType); {
	case strings.Contains(dt, "tinyint"):
		return 127
	case strings.Contains(dt, "smallint"):
		return 32767
	case strings.Contains(dt, "mediumint"):
		return 8388607
	case strings.Contains(dt, "bigint"), dt == "integer", dt == "number":
		return 1<<63 - 1
	default:
		return 2147483647
	}
}

func isInteger(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "int") || dt == "number"
}

// value generates a plausible value for col, guided by its meaning first and its type second.
func value(f *gofakeit.Faker, col *schema.Column) any {
	dataType := strings.ToLower(col.DataType)
	name := meaning(col.Name, col.Comment)

	if strings.Contains(dataType, "char") || strings.Contains(dataType, "text") || strings.Contains(dataType, "string") || dataType == "clob" {
		switch {
		case strings.HasSuffix(name, "id"):
			return truncate(f.UUID(), col.Length)
		case strings.Contains(name, "email"):
			return truncate(f.Email(), col.Length)
		case strings.Contains(name, "phone"):
			return truncate(f.Phone(), col.Length)
		case strings.Contains(name, "name"):
			return truncate(f.Name(), col.Length)
		case strings.Contains(name, "address"), strings.Contains(name, "street"):
			return truncate(f.Street(), col.Length)
		case strings.Contains(name, "city"):
			return truncate(f.City(), col.Length)
		case strings.Contains(name, "country"):
			return truncate(f.Country(), col.Length)
		case strings.Contains(name, "zip"), strings.Contains(name, "postal"):
			return truncate(f.Zip(), col.Length)
		case strings.Contains(name, "password"):
			return truncate(f.Password(true, true, true, false, false, 12), col.Length)
		case strings.Contains(name, "status"):
			return truncate(f.RandomString([]string{"NEW", "PAID", "SHIPPED", "CLOSED"}), col.Length)
		case col.Length > 0 && col.Length < 20:
			return truncate(f.Word(), col.Length)
		}
		return truncate(f.Sentence(6), col.Length)
	}

	if strings.Contains(dataType, "date") || strings.Contains(dataType, "time") {
		v := f.DateRange(time.Now().AddDate(-1, 0, 0), time.Now())
		switch dataType {
		case "date":
			return v.Format("2006-01-02")
		case "time":
			return v.Format("15:04:05")
		}
		return v.Format("2006-01-02 15:04:05")
	}

	if isInteger(dataType) {
		if strings.HasPrefix(name, "yesno") || strings.Contains(name, "flag") || strings.Contains(name, "active") {
			return f.Number(0, 1)
		}
		hi := int64(50000)
		if m := intMax(dataType); m < hi {
			hi = m
		}
		return int64(f.Number(1, int(hi)))
	}

	switch {
	case strings.Contains(dataType, "decimal"), strings.Contains(dataType, "numeric"), strings.Contains(dataType, "money"):
		return fmt.Sprintf("%.2f", f.Price(0.99, 999.99))
	case strings.Contains(dataType, "float"), strings.Contains(dataType, "double"), strings.Contains(dataType, "real"):
		return f.Float64Range(0, 1000)
	case strings.Contains(dataType, "bool"), dataType == "bit":
		return f.Bool()
	case strings.Contains(dataType, "binary"), strings.Contains(dataType, "blob"), strings.Contains(dataType, "bytea"):
		return []byte(f.LetterN(16))
	case strings.Contains(dataType, "json"):
		return fmt.Sprintf(`{"note":%q}`, f.Word())
	}
	if col.IsNullable {
		return nil
	}
	return f.Word()
}
