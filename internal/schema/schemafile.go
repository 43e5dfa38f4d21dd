package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Uploaded schemas are two-column CSV files:
//
//	column_name,data_type
//	CD_OPERADORA,text
//	QT_BENEFICIARIOS,integer
const (
	schemaColumnHeader = "column_name"
	schemaTypeHeader   = "data_type"
)

// ReadSchemaCSV parses an uploaded schema into decisions with
// OriginUploadedSchema.
//
// The header may list the two columns in any order and may carry extra
// columns, which are ignored. Rows with an empty column name are skipped. An
// unknown data_type is an error naming the offending line.
func ReadSchemaCSV(r io.Reader) (Decisions, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	hdr, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Decisions{}, fmt.Errorf("schema csv: empty input")
		}
		return Decisions{}, fmt.Errorf("schema csv: read header: %w", err)
	}

	nameIx, typeIx := -1, -1
	for i, h := range hdr {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))
		switch h {
		case schemaColumnHeader:
			nameIx = i
		case schemaTypeHeader:
			typeIx = i
		}
	}
	if nameIx < 0 || typeIx < 0 {
		return Decisions{}, fmt.Errorf("schema csv: header must contain %q and %q", schemaColumnHeader, schemaTypeHeader)
	}

	var out Decisions
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Decisions{}, fmt.Errorf("schema csv: line %d: %w", line, err)
		}
		if nameIx >= len(rec) || typeIx >= len(rec) {
			continue
		}
		name := strings.TrimSpace(rec[nameIx])
		if name == "" {
			continue
		}
		kind, err := ParseTypeKind(rec[typeIx])
		if err != nil {
			return Decisions{}, fmt.Errorf("schema csv: line %d: %w", line, err)
		}
		out.Set(Decision{Column: name, Kind: kind, Origin: OriginUploadedSchema})
	}
	return out, nil
}

// WriteSchemaCSV writes ds in the uploaded-schema format so a resolved type
// set can be edited and fed back into a later run.
func WriteSchemaCSV(w io.Writer, ds Decisions) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{schemaColumnHeader, schemaTypeHeader}); err != nil {
		return err
	}
	for _, d := range ds.All() {
		if err := cw.Write([]string{d.Column, d.Kind.String()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
