package lookup

import "strings"

// Page signatures scanned case-insensitively against the rendered document.
// The portal serves Spanish copy; markers stay in Spanish on purpose.
var (
	blockMarkers = []string{
		"demasiadas solicitudes",
		"exceso de consultas",
		"intente nuevamente en unos minutos",
		"vuelva a intentarlo en unos momentos",
		"acceso denegado",
		"err_connection_refused",
		"err_connection_reset",
		"err_connection_closed",
		"err_empty_response",
		"err_timed_out",
		"503 service temporarily unavailable",
	}

	noRecordMarkers = []string{
		"no se encontró información",
		"no se encontraron resultados",
		"no existe en los registros",
		"no registra información",
		"ruc no encontrado",
	}

	// refusalMarkers classify navigation failures reported by the browser
	// before any page rendered.
	refusalMarkers = []string{
		"ERR_CONNECTION_REFUSED",
		"ERR_CONNECTION_RESET",
		"ERR_CONNECTION_CLOSED",
		"ERR_EMPTY_RESPONSE",
	}
)

// BlockSignature reports the first soft-block marker found on the page.
func BlockSignature(pageHTML string) (string, bool) {
	lower := strings.ToLower(pageHTML)
	for _, m := range blockMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}

// NoRecordSignature reports whether the page is an explicit negative result.
func NoRecordSignature(pageHTML string) bool {
	lower := strings.ToLower(pageHTML)
	for _, m := range noRecordMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// SearchFormSignature reports whether the page is still the criteria form,
// which after a submit means the portal bounced the request.
func SearchFormSignature(pageHTML string) bool {
	lower := strings.ToLower(pageHTML)
	return strings.Contains(lower, `id="txtruc"`) || strings.Contains(lower, `id='txtruc'`)
}

// refusalSignature matches browser-level connection failures in an error
// message from navigation.
func refusalSignature(msg string) (string, bool) {
	for _, m := range refusalMarkers {
		if strings.Contains(msg, m) {
			return m, true
		}
	}
	return "", false
}
