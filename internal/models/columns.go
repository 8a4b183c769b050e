package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

// The remote store accepts either JSON strings or sub-documents for nested
// fields. The core picks one encoding: every nested field is a JSON string at
// both store boundaries, decoded on read. These column types implement that
// contract for GORM and database/sql.

// TicketList is an ordered sequence of broker tickets stored as a JSON string.
type TicketList []uint64

// Value implements driver.Valuer.
func (l TicketList) Value() (driver.Value, error) {
	if l == nil {
		l = TicketList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner. Legacy rows with NULL or empty columns decode
// as an empty list.
func (l *TicketList) Scan(src interface{}) error {
	return scanJSONColumn(src, l, func() { *l = TicketList{} })
}

// Contains reports whether ticket is present in the list.
func (l TicketList) Contains(ticket uint64) bool {
	for _, t := range l {
		if t == ticket {
			return true
		}
	}
	return false
}

// Append adds ticket to the list unless it is already present.
func (l TicketList) Append(ticket uint64) TicketList {
	if l.Contains(ticket) {
		return l
	}
	return append(l, ticket)
}

// Without returns the list with every occurrence of ticket removed.
func (l TicketList) Without(ticket uint64) TicketList {
	out := make(TicketList, 0, len(l))
	for _, t := range l {
		if t != ticket {
			out = append(out, t)
		}
	}
	return out
}

// PriceLevels is an ordered set of prices at which grid orders already fired,
// stored as a JSON string.
type PriceLevels []float64

// Value implements driver.Valuer.
func (p PriceLevels) Value() (driver.Value, error) {
	if p == nil {
		p = PriceLevels{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal price levels: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *PriceLevels) Scan(src interface{}) error {
	return scanJSONColumn(src, p, func() { *p = PriceLevels{} })
}

// Near reports whether any recorded level lies within tolerance of price.
func (p PriceLevels) Near(price, tolerance float64) bool {
	for _, level := range p {
		if math.Abs(level-price) < tolerance {
			return true
		}
	}
	return false
}

// Add appends price unless an existing level lies within tolerance of it.
// Returns the (possibly unchanged) set and whether the price was added. The
// set never shrinks.
func (p PriceLevels) Add(price, tolerance float64) (PriceLevels, bool) {
	if p.Near(price, tolerance) {
		return p, false
	}
	return append(p, price), true
}

// FloatList is a plain numeric sequence (batch losses) stored as a JSON string.
type FloatList []float64

// Value implements driver.Valuer.
func (f FloatList) Value() (driver.Value, error) {
	if f == nil {
		f = FloatList{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal float list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (f *FloatList) Scan(src interface{}) error {
	return scanJSONColumn(src, f, func() { *f = FloatList{} })
}

// Sum returns the arithmetic sum of the list.
func (f FloatList) Sum() float64 {
	var s float64
	for _, v := range f {
		s += v
	}
	return s
}

// ConfigMap holds a strategy-specific configuration document, stored as a JSON
// string locally and remotely.
type ConfigMap map[string]interface{}

// Value implements driver.Valuer.
func (m ConfigMap) Value() (driver.Value, error) {
	if m == nil {
		m = ConfigMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal config map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *ConfigMap) Scan(src interface{}) error {
	return scanJSONColumn(src, m, func() { *m = ConfigMap{} })
}

// OpenedBy records who initiated a cycle (user or admin metadata from the
// originating event).
type OpenedBy struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	SentByAdmin bool   `json:"sent_by_admin"`
}

// Value implements driver.Valuer.
func (o OpenedBy) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal opened_by: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (o *OpenedBy) Scan(src interface{}) error {
	return scanJSONColumn(src, o, func() { *o = OpenedBy{} })
}

func scanJSONColumn(src, dst interface{}, reset func()) error {
	switch v := src.(type) {
	case nil:
		reset()
		return nil
	case string:
		if v == "" {
			reset()
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		if len(v) == 0 {
			reset()
			return nil
		}
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}
