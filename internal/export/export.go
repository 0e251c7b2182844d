// Package export writes resolved records for downstream consumers. It only
// reads from the record store.
package export

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// Format selects the output encoding.
type Format string

const (
	JSON Format = "json"
	XML  Format = "xml"
)

// attributeOrder fixes the position of well-known attributes in XML output.
var attributeOrder = []string{
	"logradouro", "complemento", "bairro", "localidade", "uf", "ibge", "gia", "ddd", "siafi",
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case JSON, XML:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Run lists records resolved in [from, to) and writes them to w.
func Run(ctx context.Context, store domain.RecordStore, format Format, from, to time.Time, w io.Writer) (int, error) {
	recs, err := store.ListResolved(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	if err := Write(w, format, recs, time.Now()); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Write encodes recs in format, stamped with generatedAt.
func Write(w io.Writer, format Format, recs []domain.ResolvedRecord, generatedAt time.Time) error {
	switch format {
	case JSON:
		return writeJSON(w, recs, generatedAt)
	case XML:
		return writeXML(w, recs, generatedAt)
	}
	return fmt.Errorf("unknown export format %q", format)
}

type metadata struct {
	ExportDate string `json:"export_date" xml:"export_date"`
	TotalCEPs  int    `json:"total_ceps" xml:"total_ceps"`
}

type jsonDocument struct {
	Metadata metadata            `json:"metadata"`
	CEPs     []map[string]string `json:"ceps"`
}

func writeJSON(w io.Writer, recs []domain.ResolvedRecord, generatedAt time.Time) error {
	doc := jsonDocument{
		Metadata: metadata{ExportDate: generatedAt.UTC().Format(time.RFC3339), TotalCEPs: len(recs)},
		CEPs:     make([]map[string]string, 0, len(recs)),
	}
	for _, rec := range recs {
		row := make(map[string]string, len(rec.Attributes)+2)
		for k, v := range rec.Attributes {
			row[k] = v
		}
		row["cep"] = rec.Key
		row["resolved_at"] = rec.ResolvedAt.UTC().Format(time.RFC3339)
		doc.CEPs = append(doc.CEPs, row)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlCEP struct {
	XMLName xml.Name   `xml:"cep"`
	Fields  []xmlField `xml:",any"`
}

type xmlDocument struct {
	XMLName  xml.Name `xml:"ceps"`
	Metadata metadata `xml:"metadata"`
	CEPs     []xmlCEP `xml:"ceps_list>cep"`
}

func writeXML(w io.Writer, recs []domain.ResolvedRecord, generatedAt time.Time) error {
	doc := xmlDocument{
		Metadata: metadata{ExportDate: generatedAt.UTC().Format(time.RFC3339), TotalCEPs: len(recs)},
	}
	for _, rec := range recs {
		doc.CEPs = append(doc.CEPs, xmlCEP{Fields: xmlFields(rec)})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode xml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func xmlFields(rec domain.ResolvedRecord) []xmlField {
	field := func(name, value string) xmlField {
		return xmlField{XMLName: xml.Name{Local: name}, Value: value}
	}
	fields := []xmlField{field("cep", rec.Key)}

	for _, k := range attributeOrder {
		if v, ok := rec.Attributes[k]; ok {
			fields = append(fields, field(k, v))
		}
	}
	var extra []string
	for k := range rec.Attributes {
		if !slices.Contains(attributeOrder, k) {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	for _, k := range extra {
		fields = append(fields, field(k, rec.Attributes[k]))
	}

	return append(fields, field("resolved_at", rec.ResolvedAt.UTC().Format(time.RFC3339)))
}
