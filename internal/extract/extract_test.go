package extract

import (
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

const listGroupPage = `
<html><body>
<div class="list-group">
  <div class="list-group-item">
    <div class="row">
      <div class="col-sm-5"><h4 class="list-group-item-heading">Número de RUC:</h4></div>
      <div class="col-sm-7"><h4 class="list-group-item-heading">20131312955 - FULL NAME SAC</h4></div>
    </div>
  </div>
  <div class="list-group-item">
    <div class="row">
      <div class="col-sm-5"><h4 class="list-group-item-heading">Estado del Contribuyente:</h4></div>
      <div class="col-sm-7"><p class="list-group-item-text">ACTIVO</p></div>
    </div>
  </div>
  <div class="list-group-item">
    <div class="row">
      <div class="col-sm-5"><h4 class="list-group-item-heading">Condición del Contribuyente:</h4></div>
      <div class="col-sm-7"><p class="list-group-item-text">HABIDO</p></div>
    </div>
  </div>
</div>
</body></html>`

const legacyTablePage = `
<html><body>
<table>
  <tr><td>Número de RUC:</td><td>20131312955</td></tr>
  <tr><td>Razón Social:</td><td>EMPRESA MINERA DEL CENTRO S.A.</td></tr>
  <tr><td>Estado del Contribuyente:</td><td>BAJA DEFINITIVA</td></tr>
</table>
</body></html>`

const labelOnlyPage = `
<html><body>
<div class="panel">
  <span>Razón Social</span>
  <span>TRANSPORTES UNIDOS DEL SUR E.I.R.L.</span>
</div>
</body></html>`

const cssPatternPage = `
<html><body>
<div class="results">
  <p class="razon-social">COMERCIAL LIMA NORTE S.R.L.</p>
</div>
</body></html>`

const contentScanPage = `
<html><body>
<table>
  <tr><td>Fecha de Inscripción: 01/01/2001</td></tr>
  <tr><td>Dirección: AV. AREQUIPA 123, LIMA</td></tr>
  <tr><td>PANADERIA SANTA ROSA DEL NORTE S.A.C.</td></tr>
</table>
</body></html>`

const emptyResultPage = `
<html><body>
<div class="messages">El sistema no puede procesar su solicitud en este momento.</div>
</body></html>`

func TestChainListGroupLayout(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(listGroupPage)
	require.NoError(t, err)
	require.Equal(t, "FULL NAME SAC", got.Name)
	require.Equal(t, "table_structure", got.Strategy)
	require.Equal(t, ruc.ConfidenceHigh, got.Confidence)
	require.Equal(t, "ACTIVO", got.Estado)
	require.Equal(t, "HABIDO", got.Condicion)
}

func TestChainLegacyTableLayout(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(legacyTablePage)
	require.NoError(t, err)
	require.Equal(t, "EMPRESA MINERA DEL CENTRO S.A.", got.Name)
	require.Equal(t, "table_structure", got.Strategy)
	require.Equal(t, "BAJA DEFINITIVA", got.Estado)
}

func TestChainShortCircuitsOnFirstHit(t *testing.T) {
	t.Parallel()

	calls := make(map[string]int)
	instrument := func(name string, fn func(*goquery.Document) (string, bool)) Strategy {
		return Strategy{
			Name:       name,
			Confidence: ruc.ConfidenceHigh,
			Fn: func(doc *goquery.Document) (string, bool) {
				calls[name]++
				return fn(doc)
			},
		}
	}

	chain := NewChainWith(
		instrument("table_structure", byTableStructure),
		instrument("label_text", byLabelText),
		instrument("css_patterns", byCSSPatterns),
		instrument("content_scan", byContentScan),
	)

	got, err := chain.Extract(legacyTablePage)
	require.NoError(t, err)
	require.Equal(t, "EMPRESA MINERA DEL CENTRO S.A.", got.Name)
	require.Equal(t, 1, calls["table_structure"])
	require.Zero(t, calls["label_text"], "later strategies must not run after a hit")
	require.Zero(t, calls["css_patterns"])
	require.Zero(t, calls["content_scan"])
}

func TestChainLabelTextFallback(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(labelOnlyPage)
	require.NoError(t, err)
	require.Equal(t, "TRANSPORTES UNIDOS DEL SUR E.I.R.L.", got.Name)
	require.Equal(t, "label_text", got.Strategy)
}

func TestChainCSSPatternFallback(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(cssPatternPage)
	require.NoError(t, err)
	require.Equal(t, "COMERCIAL LIMA NORTE S.R.L.", got.Name)
	require.Equal(t, "css_patterns", got.Strategy)
	require.Equal(t, ruc.ConfidenceLow, got.Confidence)
}

func TestChainContentScanFilters(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(contentScanPage)
	require.NoError(t, err)
	require.Equal(t, "PANADERIA SANTA ROSA DEL NORTE S.A.C.", got.Name)
	require.Equal(t, "content_scan", got.Strategy)
}

func TestChainNothingExtractable(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Extract(emptyResultPage)
	require.NoError(t, err)
	require.True(t, got.Empty())
	require.Equal(t, ruc.ConfidenceLow, got.Confidence)
	require.Empty(t, got.Strategy)
}

func TestSpecialCharRatio(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.0, specialCharRatio("EMPRESA S.A.C."), 0.001)
	require.Greater(t, specialCharRatio("@@##$$%%^^&&**!!"), 0.3)
}
