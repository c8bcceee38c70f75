// Package extract pulls company records out of rendered result pages using
// an ordered chain of fallback strategies.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Strategy is one extraction tactic tried against the result page. Fn
// reports ok=false when the page holds nothing it recognizes.
type Strategy struct {
	Name       string
	Confidence ruc.Confidence
	Fn         func(doc *goquery.Document) (string, bool)
}

// Chain runs strategies in fixed priority order and keeps the first hit.
type Chain struct {
	strategies []Strategy
}

// NewChain builds the default chain: structural match, label match, selector
// patterns, then the heuristic content scan as a last resort.
func NewChain() *Chain {
	return &Chain{strategies: []Strategy{
		{Name: "table_structure", Confidence: ruc.ConfidenceHigh, Fn: byTableStructure},
		{Name: "label_text", Confidence: ruc.ConfidenceHigh, Fn: byLabelText},
		{Name: "css_patterns", Confidence: ruc.ConfidenceLow, Fn: byCSSPatterns},
		{Name: "content_scan", Confidence: ruc.ConfidenceLow, Fn: byContentScan},
	}}
}

// NewChainWith builds a chain from an explicit strategy order.
func NewChainWith(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Extract parses the page and walks the chain. An empty result with low
// confidence means no strategy recognized a company name; callers decide
// whether that is a negative result or an ambiguous failure.
func (c *Chain) Extract(pageHTML string) (ruc.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return ruc.Extraction{}, fmt.Errorf("parse result page: %w", err)
	}

	result := ruc.Extraction{Confidence: ruc.ConfidenceLow}
	for _, s := range c.strategies {
		name, ok := s.Fn(doc)
		if !ok {
			continue
		}
		result.Name = name
		result.Strategy = s.Name
		result.Confidence = s.Confidence
		break
	}

	// Standing fields come from their own labels regardless of which
	// strategy found the name.
	result.Estado, result.Condicion = taxpayerStanding(doc)
	return result, nil
}

// taxpayerStanding reads the portal's standing labels when present.
func taxpayerStanding(doc *goquery.Document) (estado string, condicion string) {
	doc.Find(".list-group-item").Each(func(_ int, item *goquery.Selection) {
		headings := item.Find(".list-group-item-heading")
		values := item.Find(".list-group-item-text")
		headings.Each(func(i int, h *goquery.Selection) {
			label := cleanText(h.Text())
			value := ""
			if i < values.Length() {
				value = cleanText(values.Eq(i).Text())
			}
			switch {
			case strings.Contains(label, "Estado del Contribuyente"):
				estado = value
			case strings.Contains(label, "Condición del Contribuyente"):
				condicion = value
			}
		})
	})
	if estado != "" || condicion != "" {
		return estado, condicion
	}

	// Legacy table layout keeps the same labels in td pairs.
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label := cleanText(cells.Eq(0).Text())
		value := cleanText(cells.Eq(1).Text())
		switch {
		case strings.Contains(label, "Estado del Contribuyente") || strings.EqualFold(label, "Estado:"):
			estado = value
		case strings.Contains(label, "Condición del Contribuyente") || strings.EqualFold(label, "Condición:"):
			condicion = value
		}
	})
	return estado, condicion
}

// cleanText trims and collapses interior whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
