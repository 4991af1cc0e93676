package model

import "github.com/rotisserie/eris"

// SourceKind identifies the class of producer that submitted a batch or observation.
type SourceKind string

const (
	SourceManualExcel   SourceKind = "manual_excel"
	SourceEmailBatch    SourceKind = "email_batch"
	SourceAIInference   SourceKind = "ai_inference"
	SourcePDFExtraction SourceKind = "pdf_extraction"
	SourceAPIImport     SourceKind = "api_import"
)

// SourceKinds is the closed set of producer kinds.
var SourceKinds = []SourceKind{
	SourceManualExcel, SourceEmailBatch, SourceAIInference, SourcePDFExtraction, SourceAPIImport,
}

// Valid reports whether s belongs to the closed enumeration.
func (s SourceKind) Valid() bool {
	for _, known := range SourceKinds {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSourceKind validates a raw source kind string.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(s)
	if !k.Valid() {
		return "", eris.Errorf("model: unknown source kind %q", s)
	}
	return k, nil
}
