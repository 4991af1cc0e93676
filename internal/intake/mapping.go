package intake

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
)

// Column names understood by the mapper.
const (
	ColEntity        = "entity"
	ColField         = "field"
	ColCurrentValue  = "current_value"
	ColProposedValue = "proposed_value"
	ColConfidence    = "confidence"
	ColReasoning     = "reasoning"
	ColReference     = "reference"
	ColExpiresAt     = "expires_at"
	ColRow           = "row"
)

var requiredColumns = []string{ColEntity, ColField, ColProposedValue}

// defaultAliases maps common spreadsheet headers onto column names.
var defaultAliases = map[string]string{
	"entity ref":     ColEntity,
	"record":         ColEntity,
	"attribute":      ColField,
	"current":        ColCurrentValue,
	"current value":  ColCurrentValue,
	"old value":      ColCurrentValue,
	"proposed":       ColProposedValue,
	"proposed value": ColProposedValue,
	"new value":      ColProposedValue,
	"value":          ColProposedValue,
	"score":          ColConfidence,
	"notes":          ColReasoning,
	"reason":         ColReasoning,
	"source":         ColReference,
	"source ref":     ColReference,
	"expires":        ColExpiresAt,
	"expiry":         ColExpiresAt,
	"row ref":        ColRow,
}

// Mapper converts data rows into proposals using a header row.
type Mapper struct {
	idx               map[string]int
	defaultConfidence float64
}

// NewMapper resolves header cells to columns. aliases add to or override
// the built-in header aliases (header text, case-insensitive, to column name).
// defaultConfidence is used for rows with an empty confidence cell; zero
// makes the cell mandatory.
func NewMapper(header []string, aliases map[string]string, defaultConfidence float64) (*Mapper, error) {
	lookup := make(map[string]string, len(defaultAliases)+len(aliases))
	for k, v := range defaultAliases {
		lookup[k] = v
	}
	for k, v := range aliases {
		lookup[normalizeHeader(k)] = v
	}

	m := &Mapper{idx: make(map[string]int), defaultConfidence: defaultConfidence}
	for i, h := range header {
		name := normalizeHeader(h)
		if col, ok := lookup[name]; ok {
			name = col
		}
		name = strings.ReplaceAll(name, " ", "_")
		if _, dup := m.idx[name]; !dup {
			m.idx[name] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := m.idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("intake: header is missing columns %s", strings.Join(missing, ", "))
	}
	if _, ok := m.idx[ColConfidence]; !ok && defaultConfidence <= 0 {
		return nil, eris.New("intake: header has no confidence column and no default confidence is set")
	}
	return m, nil
}

// Proposal builds the proposal for one data row. rowNum is the 1-based row
// number in the file and becomes the row reference unless a row column is present.
func (m *Mapper) Proposal(row []string, rowNum int, source model.SourceKind, batchKey string) (observation.Proposal, error) {
	p := observation.Proposal{
		Source:   source,
		BatchKey: batchKey,
		RowRef:   strconv.Itoa(rowNum),
	}

	ref, err := model.ParseEntityRef(m.cell(row, ColEntity))
	if err != nil {
		return p, err
	}
	p.Entity = ref
	p.Field = strings.ToLower(m.cell(row, ColField))
	if p.Field == "" {
		return p, eris.New("intake: empty field")
	}

	p.CurrentValue = m.value(row, ColCurrentValue)
	p.ProposedValue = m.value(row, ColProposedValue)
	p.Reasoning = m.cell(row, ColReasoning)
	p.Reference = m.cell(row, ColReference)
	if r := m.cell(row, ColRow); r != "" {
		p.RowRef = r
	}

	p.Confidence = m.defaultConfidence
	if c := m.cell(row, ColConfidence); c != "" {
		p.Confidence, err = parseConfidence(c)
		if err != nil {
			return p, err
		}
	} else if m.defaultConfidence <= 0 {
		return p, eris.New("intake: empty confidence")
	}

	if e := m.cell(row, ColExpiresAt); e != "" {
		t, err := parseTime(e)
		if err != nil {
			return p, err
		}
		p.ExpiresAt = &t
	}
	return p, nil
}

func (m *Mapper) cell(row []string, col string) string {
	i, ok := m.idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return Normalize(row[i])
}

// value returns nil for an empty cell: the field is unset (current) or
// cleared (proposed).
func (m *Mapper) value(row []string, col string) *string {
	v := m.cell(row, col)
	if v == "" {
		return nil
	}
	return &v
}

// Normalize trims a cell and converts it to Unicode NFC so values typed on
// different systems compare equal to the canonical store.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeHeader(h string) string {
	h = strings.ToLower(Normalize(h))
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool { return r == '_' || r == ' ' || r == '-' }), " ")
}

// parseConfidence accepts 0.85 or 85%.
func parseConfidence(s string) (float64, error) {
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "intake: confidence %q", s)
	}
	if pct {
		v /= 100
	}
	return v, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Errorf("intake: expires_at %q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
