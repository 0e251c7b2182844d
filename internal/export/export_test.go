package export

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/cepresolver/internal/adapter/memory"
	"github.com/cwygoda/cepresolver/internal/domain"
)

var (
	generated = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	paulista  = domain.ResolvedRecord{
		Key: "01310100",
		Attributes: map[string]string{
			"logradouro": "Avenida Paulista",
			"uf":         "SP",
			"bairro":     "Bela Vista",
		},
		ResolvedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("xml")
	require.NoError(t, err)
	assert.Equal(t, XML, f)

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, JSON, []domain.ResolvedRecord{paulista}, generated))

	var doc struct {
		Metadata struct {
			ExportDate string `json:"export_date"`
			TotalCEPs  int    `json:"total_ceps"`
		} `json:"metadata"`
		CEPs []map[string]string `json:"ceps"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "2024-02-01T10:00:00Z", doc.Metadata.ExportDate)
	assert.Equal(t, 1, doc.Metadata.TotalCEPs)
	require.Len(t, doc.CEPs, 1)
	assert.Equal(t, "01310100", doc.CEPs[0]["cep"])
	assert.Equal(t, "Avenida Paulista", doc.CEPs[0]["logradouro"])
	assert.Equal(t, "2024-01-01T00:00:00Z", doc.CEPs[0]["resolved_at"])
}

func TestWrite_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, JSON, nil, generated))
	assert.Contains(t, buf.String(), `"ceps": []`)
}

func TestWrite_XML(t *testing.T) {
	rec := paulista
	rec.Attributes = map[string]string{"uf": "SP", "logradouro": "Avenida Paulista", "zona": "centro"}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, XML, []domain.ResolvedRecord{rec}, generated))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, xml.Header))
	assert.Contains(t, out, "<total_ceps>1</total_ceps>")

	// fixed attribute order, unknown keys last
	cep := strings.Index(out, "<cep>01310100</cep>")
	logradouro := strings.Index(out, "<logradouro>")
	uf := strings.Index(out, "<uf>")
	zona := strings.Index(out, "<zona>")
	resolved := strings.Index(out, "<resolved_at>")
	assert.True(t, cep < logradouro && logradouro < uf && uf < zona && zona < resolved, out)

	var doc xmlDocument
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.CEPs, 1)
}

func TestRun_ReadsWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Upsert(ctx, paulista))
	later := paulista
	later.Key = "20040020"
	later.ResolvedAt = paulista.ResolvedAt.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, later))

	var buf bytes.Buffer
	n, err := Run(ctx, store, JSON, paulista.ResolvedAt.Add(time.Minute), time.Time{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "20040020")
	assert.NotContains(t, buf.String(), `"cep": "01310100"`)
}
