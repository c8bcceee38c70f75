package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// nameLabels are the header texts that sit next to the company name across
// portal layouts, lowercased for comparison.
var nameLabels = []string{
	"razón social",
	"razon social",
	"nombre",
	"denominación",
	"company name",
	"business name",
}

// skipWords mark cell text that is clearly not a company name.
var skipWords = []string{
	"ruc", "documento", "número", "codigo", "fecha", "estado",
	"dirección", "distrito", "provincia", "departamento",
	"teléfono", "email", "www", "http",
}

// byTableStructure reads the known tabular layouts: the portal's Bootstrap
// list-group (heading/value pairs, with the RUC row shaped "<id> - <name>")
// and the legacy label/value table rows.
func byTableStructure(doc *goquery.Document) (string, bool) {
	name := ""
	doc.Find(".list-group-item").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		headings := item.Find(".list-group-item-heading")
		if headings.Length() == 0 {
			return true
		}
		label := strings.ToLower(cleanText(headings.Eq(0).Text()))
		if strings.Contains(label, "número de ruc") || strings.Contains(label, "numero de ruc") {
			// The value heading reads "20131312955 - FULL NAME SAC".
			value := ""
			if headings.Length() > 1 {
				value = cleanText(headings.Eq(1).Text())
			} else if texts := item.Find(".list-group-item-text"); texts.Length() > 0 {
				value = cleanText(texts.Eq(0).Text())
			}
			if _, after, found := strings.Cut(value, " - "); found && plausibleName(after) {
				name = after
				return false
			}
			return true
		}
		if labelMatches(label) {
			if texts := item.Find(".list-group-item-text"); texts.Length() > 0 {
				if v := cleanText(texts.Eq(0).Text()); plausibleName(v) {
					name = v
					return false
				}
			}
		}
		return true
	})
	if name != "" {
		return name, true
	}

	doc.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return true
		}
		label := strings.ToLower(cleanText(cells.Eq(0).Text()))
		value := cleanText(cells.Eq(1).Text())
		if labelMatches(label) && plausibleName(value) {
			name = value
			return false
		}
		return true
	})
	return name, name != ""
}

// byLabelText scans label-like nodes for the known labels and returns the
// nearest associated value: the next sibling, else the parent's next sibling.
func byLabelText(doc *goquery.Document) (string, bool) {
	name := ""
	doc.Find("td, th, span, div, label").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		text := strings.ToLower(el.Text())
		if !labelMatches(text) {
			return true
		}
		if v := cleanText(el.Next().Text()); acceptLabelValue(v) {
			name = v
			return false
		}
		if v := cleanText(el.Parent().Next().Text()); acceptLabelValue(v) {
			name = v
			return false
		}
		return true
	})
	return name, name != ""
}

// cssPatterns are selectors known to co-locate with company identity fields.
var cssPatterns = []string{
	"[class*='razon']",
	"[class*='nombre']",
	"[class*='company']",
	"[class*='business']",
	"[id*='razon']",
	"[id*='nombre']",
	".content td:nth-child(2)",
	".result td:nth-child(2)",
	"table.data td:nth-child(2)",
}

// byCSSPatterns tries each selector pattern in order.
func byCSSPatterns(doc *goquery.Document) (string, bool) {
	for _, sel := range cssPatterns {
		name := ""
		doc.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			text := cleanText(el.Text())
			if len(text) <= 5 || allDigits(text) {
				return true
			}
			lower := strings.ToLower(text)
			for _, skip := range []string{"ruc", "documento", "número", "codigo"} {
				if strings.Contains(lower, skip) {
					return true
				}
			}
			name = text
			return false
		})
		if name != "" {
			return name, true
		}
	}
	return "", false
}

// byContentScan is the last resort: walk every table cell and keep the first
// text that survives the not-a-name filters.
func byContentScan(doc *goquery.Document) (string, bool) {
	name := ""
	doc.Find("td").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		text := cleanText(el.Text())
		if len(text) < 10 || len(text) > 200 {
			return true
		}
		lower := strings.ToLower(text)
		for _, skip := range skipWords {
			if strings.Contains(lower, skip) {
				return true
			}
		}
		if allDigits(text) {
			return true
		}
		if specialCharRatio(text) > 0.3 {
			return true
		}
		name = text
		return false
	})
	return name, name != ""
}

func labelMatches(lowered string) bool {
	for _, l := range nameLabels {
		if strings.Contains(lowered, l) {
			return true
		}
	}
	return false
}

// plausibleName rejects empty and too-short values.
func plausibleName(v string) bool {
	return len(v) > 3
}

// acceptLabelValue additionally rejects values that are themselves labels.
func acceptLabelValue(v string) bool {
	if !plausibleName(v) {
		return false
	}
	lower := strings.ToLower(v)
	return !strings.HasPrefix(lower, "razón") && !strings.HasPrefix(lower, "razon")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// specialCharRatio measures characters outside letters, digits, and the
// punctuation business names legitimately carry.
func specialCharRatio(s string) float64 {
	if s == "" {
		return 0
	}
	special := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r >= 0x00C0 && r <= 0x024F: // accented Latin
		case strings.ContainsRune(" .-&,()[]", r):
		default:
			special++
		}
	}
	return float64(special) / float64(len([]rune(s)))
}
