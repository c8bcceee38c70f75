package lookup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockSignature(t *testing.T) {
	t.Parallel()

	marker, ok := BlockSignature("<html>Ha realizado DEMASIADAS SOLICITUDES, espere.</html>")
	require.True(t, ok)
	require.Equal(t, "demasiadas solicitudes", marker)

	_, ok = BlockSignature("<html><div>todo en orden</div></html>")
	require.False(t, ok)
}

func TestBlockSignatureMatchesBrowserErrorPages(t *testing.T) {
	t.Parallel()

	_, ok := BlockSignature("<html>This site can't be reached ERR_CONNECTION_REFUSED</html>")
	require.True(t, ok)
}

func TestNoRecordSignature(t *testing.T) {
	t.Parallel()

	require.True(t, NoRecordSignature("<div>NO SE ENCONTRÓ INFORMACIÓN para el número</div>"))
	require.True(t, NoRecordSignature("<div>El RUC no existe en los registros.</div>"))
	require.False(t, NoRecordSignature("<div>FULL NAME SAC</div>"))
}

func TestSearchFormSignature(t *testing.T) {
	t.Parallel()

	require.True(t, SearchFormSignature(`<input type="text" id="txtRuc">`))
	require.True(t, SearchFormSignature(`<input type='text' id='txtRuc'>`))
	require.False(t, SearchFormSignature(`<div class="list-group-item">ACTIVO</div>`))
}

func TestRefusalSignature(t *testing.T) {
	t.Parallel()

	m, ok := refusalSignature("page load error net::ERR_CONNECTION_RESET")
	require.True(t, ok)
	require.Equal(t, "ERR_CONNECTION_RESET", m)

	_, ok = refusalSignature("context deadline exceeded")
	require.False(t, ok)
}
