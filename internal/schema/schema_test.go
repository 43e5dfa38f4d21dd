package schema

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeKind_Aliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want TypeKind
	}{
		{"text", Text},
		{"  VARCHAR(100) ", Text},
		{"object", Text},
		{"int64", Integer},
		{"BIGINT", Integer},
		{"float64", Float},
		{"double precision", Float},
		{"numeric(12,2)", Float},
		{"date", Date},
		{"datetime64[ns]", Date},
		{"timestamp", Date},
	}
	for _, tc := range tests {
		got, err := ParseTypeKind(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseTypeKind("blob")
	require.Error(t, err)
}

func TestTypeKind_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds {
		b, err := k.MarshalText()
		require.NoError(t, err)

		var got TypeKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
}

func TestDecisions_UnknownColumnDefaultsToText(t *testing.T) {
	t.Parallel()

	ds := NewDecisions(
		Decision{Column: "QT_LEITOS_SUS", Kind: Integer},
		Decision{Column: "DT_ATUALIZACAO", Kind: Date},
	)
	assert.Equal(t, Integer, ds.Kind("QT_LEITOS_SUS"))
	assert.Equal(t, Text, ds.Kind("NEW_COLUMN"))

	_, ok := ds.Lookup("NEW_COLUMN")
	assert.False(t, ok)
}

func TestDecisions_SetReplacesInPlace(t *testing.T) {
	t.Parallel()

	var ds Decisions
	ds.Set(Decision{Column: "a", Kind: Integer})
	ds.Set(Decision{Column: "b", Kind: Float})
	ds.Set(Decision{Column: "a", Kind: Text, Origin: OriginAdvisor})

	all := ds.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Column)
	assert.Equal(t, Text, all[0].Kind)
	assert.Equal(t, OriginAdvisor, all[0].Origin)
	assert.Equal(t, []string{"b"}, ds.ColumnsOf(Float))
}

func TestLookupTemplate(t *testing.T) {
	t.Parallel()

	tpl, err := LookupTemplate("Prestadores Hospitalares")
	require.NoError(t, err)

	ds := tpl.Decisions()
	assert.Equal(t, 13, ds.Len())
	assert.Equal(t, Integer, ds.Kind("QT_LEITOS_TOTAL"))
	assert.Equal(t, Text, ds.Kind("CD_OPERADORA"))
	assert.Equal(t, Date, ds.Kind("DT_ATUALIZACAO"))

	d, _ := ds.Lookup("NU_CNPJ")
	assert.Equal(t, OriginNamedTemplate, d.Origin)

	_, err = LookupTemplate("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beneficiarios")
}

func TestTemplateNames_Sorted(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"beneficiarios",
		"cidades",
		"operadoras",
		"prestadores-hospitalares",
		"prestadores-nao-hospitalares",
	}, TemplateNames())
}

func TestReadSchemaCSV(t *testing.T) {
	t.Parallel()

	in := "\uFEFFdata_type,column_name,comment\n" +
		"text,CD_OPERADORA,code\n" +
		"integer,QT_BENEFICIARIOS,\n" +
		",,\n" +
		"date,DT_ATUALIZACAO,x\n"

	ds, err := ReadSchemaCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	assert.Equal(t, Integer, ds.Kind("QT_BENEFICIARIOS"))

	d, _ := ds.Lookup("CD_OPERADORA")
	assert.Equal(t, OriginUploadedSchema, d.Origin)
}

func TestReadSchemaCSV_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: "empty input"},
		{name: "missing_header", in: "name,type\na,text\n", want: "header must contain"},
		{name: "bad_type", in: "column_name,data_type\na,blob\n", want: "line 2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadSchemaCSV(strings.NewReader(tc.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWriteSchemaCSV_ReadsBack(t *testing.T) {
	t.Parallel()

	tpl, err := LookupTemplate("cidades")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteSchemaCSV(&buf, tpl.Decisions()))
	assert.True(t, strings.HasPrefix(buf.String(), "column_name,data_type\nCD_MUNICIPIO,text\n"))

	back, err := ReadSchemaCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, tpl.Decisions().KindMap(), back.KindMap())
}
