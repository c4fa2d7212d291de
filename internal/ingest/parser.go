package ingest

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"nsmetrics/internal/model"
)

// Parser turns one line of a followed file into raw documents. A line is
// either JSON or, for entries, a row of the Nightscout entries.txt export:
// dateString, date, sgv, direction, device separated by tabs or commas.
type Parser struct {
	kind   model.BatchKind
	header []string
}

func NewParser(kind model.BatchKind) *Parser {
	return &Parser{kind: kind}
}

func (p *Parser) Kind() model.BatchKind {
	return p.kind
}

// ParseLine returns nil, nil for blank lines and header rows.
func (p *Parser) ParseLine(line string) ([]map[string]any, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return DecodeDocuments([]byte(trim))
	}
	if p.kind != model.KindEntries {
		return nil, fmt.Errorf("%s line is not json", p.kind)
	}
	doc, err := p.parseRow(trim)
	if err != nil || doc == nil {
		return nil, err
	}
	return []map[string]any{doc}, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

var rowColumns = []string{"dateString", "date", "sgv", "direction", "device"}

func (p *Parser) parseRow(line string) (map[string]any, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	if strings.Contains(line, "\t") {
		r.Comma = '\t'
	}
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = rowColumns
	}
	doc := map[string]any{"type": "sgv"}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		if v := strings.Trim(strings.TrimSpace(record[i]), `"`); v != "" {
			doc[name] = v
		}
	}
	if _, ok := doc["sgv"]; !ok {
		return nil, errors.New("row without sgv")
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = rowIdentity(doc)
	}
	return doc, nil
}

// rowIdentity derives a stable id from device and time so that re-reading
// the same export merges instead of duplicating.
func rowIdentity(doc map[string]any) string {
	device, _ := doc["device"].(string)
	ts, _ := doc["date"].(string)
	if ts == "" {
		ts, _ = doc["dateString"].(string)
	}
	sum := sha256.Sum256([]byte(device + "|" + ts))
	return hex.EncodeToString(sum[:])
}

var headerNames = map[string]string{
	"datestring": "dateString",
	"date":       "date",
	"sgv":        "sgv",
	"direction":  "direction",
	"device":     "device",
	"_id":        "_id",
	"id":         "_id",
	"delta":      "delta",
	"trend":      "trend",
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if _, ok := headerNames[strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))]; ok {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		key := strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
		if name, ok := headerNames[key]; ok {
			out[i] = name
		} else {
			out[i] = key
		}
	}
	return out
}
