package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Template is a hand-curated column→kind layout for a known extract shape.
type Template struct {
	Name    string
	Title   string
	Columns []Decision
}

// Decisions returns the template as a decision set with OriginNamedTemplate.
func (t Template) Decisions() Decisions {
	var out Decisions
	for _, c := range t.Columns {
		out.Set(Decision{Column: c.Column, Kind: c.Kind, Origin: OriginNamedTemplate})
	}
	return out
}

func cols(kind TypeKind, names ...string) []Decision {
	out := make([]Decision, len(names))
	for i, n := range names {
		out[i] = Decision{Column: n, Kind: kind, Origin: OriginNamedTemplate}
	}
	return out
}

func layout(parts ...[]Decision) []Decision {
	var out []Decision
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// templates covers the provider, operator, city and beneficiary extracts
// published in the health-insurance open-data portal.
var templates = map[string]Template{
	"prestadores-nao-hospitalares": {
		Name:  "prestadores-nao-hospitalares",
		Title: "Prestadores Não Hospitalares",
		Columns: layout(
			cols(Text, "CD_OPERADORA", "NM_FANTASIA_PRESTADOR", "NM_RAZAO_SOCIAL", "NU_CNPJ",
				"TP_IDENTIFICADOR", "TP_PRESTADOR", "TP_CLASSIFICACAO_PRESTADOR"),
			cols(Date, "DT_VINCULO_OPERADORA_INICIO", "DT_VINCULO_OPERADORA_FIM", "DT_ATUALIZACAO"),
		),
	},
	"prestadores-hospitalares": {
		Name:  "prestadores-hospitalares",
		Title: "Prestadores Hospitalares",
		Columns: layout(
			cols(Text, "CD_OPERADORA", "NM_FANTASIA_PRESTADOR", "NM_RAZAO_SOCIAL", "NU_CNPJ",
				"TP_IDENTIFICADOR", "TP_CONTRATACAO", "TP_CLASSIFICACAO_PRESTADOR"),
			cols(Integer, "QT_LEITOS_TOTAL", "QT_LEITOS_SUS", "QT_LEITOS_NAO_SUS"),
			cols(Date, "DT_VINCULO_OPERADORA_INICIO", "DT_VINCULO_OPERADORA_FIM", "DT_ATUALIZACAO"),
		),
	},
	"cidades": {
		Name:    "cidades",
		Title:   "Cidades",
		Columns: cols(Text, "CD_MUNICIPIO", "NM_MUNICIPIO", "SG_UF", "NO_UF", "NO_REGIAO"),
	},
	"operadoras": {
		Name:  "operadoras",
		Title: "Operadoras",
		Columns: layout(
			cols(Text, "CD_OPERADORA", "NM_FANTASIA", "NM_RAZAO_SOCIAL", "NU_CNPJ", "TP_CLASSIFICACAO",
				"TP_NATUREZA_JUR", "SG_UF", "CD_MUNICIPIO", "NM_MUNICIPIO"),
			cols(Date, "DT_REGISTRO_ANS", "DT_CANCELAMENTO", "DT_ATUALIZACAO"),
		),
	},
	"beneficiarios": {
		Name:  "beneficiarios",
		Title: "Beneficiários",
		Columns: layout(
			cols(Text, "CD_OPERADORA", "NM_OPERADORA", "CD_CONTA_CONTRATANTE", "TP_CONTA_CONTRATANTE",
				"CD_MUNICIPIO", "UF_BENEFICIARIO", "FAIXA_ETARIA"),
			cols(Integer, "QT_BENEFICIARIOS"),
			cols(Text, "COMPETENCIA"),
			cols(Date, "DT_ATUALIZACAO"),
		),
	},
}

// LookupTemplate finds a template by name. Matching ignores case and treats
// spaces and underscores like hyphens, so "Prestadores_Hospitalares" works.
func LookupTemplate(name string) (Template, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "-", "_", "-").Replace(key)
	t, ok := templates[key]
	if !ok {
		return Template{}, fmt.Errorf("schema: unknown template %q (available: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames returns the registered template names, sorted.
func TemplateNames() []string {
	out := make([]string, 0, len(templates))
	for k := range templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
