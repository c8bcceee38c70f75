package lookup

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/extract"
	"github.com/perudatos/ruc-harvester/internal/ruc"
)

const formWithRecaptcha = `
<html><body>
<form id="form01">
  <input type="radio" id="rbtnTipo01" checked>
  <input type="text" id="txtRuc">
  <div class="g-recaptcha" data-sitekey="6LcFzKUUAAAAAM-sitekey"></div>
  <input type="button" id="btnAceptar" value="Buscar">
</form>
</body></html>`

const formWithImageCaptcha = `
<html><body>
<form id="form01">
  <input type="radio" id="rbtnTipo01" checked>
  <input type="text" id="txtRuc">
  <img id="imgCaptcha" src="captcha.jpg">
  <input type="text" id="txtCodigo">
  <input type="button" id="btnAceptar" value="Buscar">
</form>
</body></html>`

const plainForm = `
<html><body>
<form id="form01">
  <input type="radio" id="rbtnTipo01" checked>
  <input type="text" id="txtRuc">
  <input type="button" id="btnAceptar" value="Buscar">
</form>
</body></html>`

const resultPage = `
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

const noRecordPage = `
<html><body>
<div class="alert alert-info">No se encontró información para el número ingresado.</div>
</body></html>`

const blockedPage = `
<html><body>
<div class="alert alert-danger">Ha realizado demasiadas solicitudes. Espere unos minutos.</div>
</body></html>`

const ambiguousPage = `
<html><body>
<div class="messages">El sistema no puede procesar su solicitud en este momento.</div>
</body></html>`

// fakeSession scripts the successive pages Content returns and records every
// interaction the engine performs.
type fakeSession struct {
	id      string
	pages   []string
	pageIdx int
	url     string

	filled    map[string]string
	clicked   []string
	evaluated []string
	captcha   []byte
	openErr   error
	clickErr  map[string]error
}

func newFakeSession(pages ...string) *fakeSession {
	return &fakeSession{
		id:     "sess-1",
		pages:  pages,
		filled: make(map[string]string),
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Open(_ context.Context, url string) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.url = url
	return nil
}

func (s *fakeSession) Fill(_ context.Context, selector, value string) error {
	s.filled[selector] = value
	return nil
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	if err := s.clickErr[selector]; err != nil {
		return err
	}
	s.clicked = append(s.clicked, selector)
	return nil
}

func (s *fakeSession) Evaluate(_ context.Context, script string) error {
	s.evaluated = append(s.evaluated, script)
	return nil
}

func (s *fakeSession) WaitVisible(context.Context, string) error { return nil }

func (s *fakeSession) Content(context.Context) (string, error) {
	if len(s.pages) == 0 {
		return "", errors.New("no pages scripted")
	}
	page := s.pages[s.pageIdx]
	if s.pageIdx < len(s.pages)-1 {
		s.pageIdx++
	}
	return page, nil
}

func (s *fakeSession) CurrentURL(context.Context) (string, error) { return s.url, nil }

func (s *fakeSession) CaptureElement(context.Context, string) ([]byte, error) {
	return s.captcha, nil
}

func (s *fakeSession) Close(context.Context) error { return nil }

type fakeResolver struct {
	answer ruc.Answer
	err    error
	got    []ruc.Challenge
}

func (r *fakeResolver) Resolve(_ context.Context, ch ruc.Challenge) (ruc.Answer, error) {
	r.got = append(r.got, ch)
	return r.answer, r.err
}

func newEngine(r ruc.ChallengeResolver) *Engine {
	cfg := Config{SearchURL: "https://portal.test/consulta", ResultTimeout: 50 * time.Millisecond}
	return New(r, extract.NewChain(), cfg, zap.NewNop())
}

func TestLookupFoundWithTokenChallenge(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(formWithRecaptcha, resultPage)
	resolver := &fakeResolver{answer: ruc.Answer{Value: "tok-abc123", Method: ruc.MethodToken}}
	e := newEngine(resolver)

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.NoError(t, err)
	require.Equal(t, StateDone, res.State)
	require.Equal(t, "FULL NAME SAC", res.Extraction.Name)
	require.Equal(t, "ACTIVO", res.Extraction.Estado)
	require.Equal(t, "HABIDO", res.Extraction.Condicion)
	require.Equal(t, ruc.MethodToken, res.ChallengeMethod)
	require.Equal(t, resultPage, res.PageHTML)

	require.Equal(t, "20131312955", sess.filled[SelIDInput])
	require.Contains(t, sess.clicked, selSearchByRUC)
	require.Contains(t, sess.clicked, SelSubmit)

	require.Len(t, resolver.got, 1)
	require.Equal(t, "6LcFzKUUAAAAAM-sitekey", resolver.got[0].SiteKey)
	require.Equal(t, "https://portal.test/consulta", resolver.got[0].PageURL)

	require.Len(t, sess.evaluated, 1)
	require.Contains(t, sess.evaluated[0], "tok-abc123", "token must be injected into the page")
}

func TestLookupImageChallenge(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(formWithImageCaptcha, resultPage)
	sess.captcha = []byte{0x89, 'P', 'N', 'G'}
	resolver := &fakeResolver{answer: ruc.Answer{Value: "XK7M9", Method: ruc.MethodImage}}
	e := newEngine(resolver)

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.NoError(t, err)
	require.Equal(t, ruc.MethodImage, res.ChallengeMethod)
	require.Equal(t, "XK7M9", sess.filled[selCaptchaInput])

	require.Len(t, resolver.got, 1)
	require.Empty(t, resolver.got[0].SiteKey)
	require.Equal(t, base64.StdEncoding.EncodeToString(sess.captcha), resolver.got[0].ImageB64)
	require.Empty(t, sess.evaluated, "image answers go through the input, not a script")
}

func TestLookupNoChallengeServed(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, resultPage)
	resolver := &fakeResolver{}
	e := newEngine(resolver)

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.NoError(t, err)
	require.Empty(t, res.ChallengeMethod)
	require.Empty(t, resolver.got, "resolver must not run without challenge material")
	require.Equal(t, "FULL NAME SAC", res.Extraction.Name)
}

func TestLookupSubmitFallsBackToFormSubmit(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, resultPage)
	sess.clickErr = map[string]error{SelSubmit: errors.New("node not visible")}
	e := newEngine(&fakeResolver{})

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.NoError(t, err)
	require.Equal(t, "FULL NAME SAC", res.Extraction.Name)
	require.Len(t, sess.evaluated, 1)
	require.Contains(t, sess.evaluated[0], "form.submit()")
}

func TestLookupNoRecordMarker(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, noRecordPage)
	e := newEngine(&fakeResolver{})

	res, err := e.Do(context.Background(), sess, "99999999999")
	require.ErrorIs(t, err, ruc.ErrNoRecord)
	require.Equal(t, ruc.OutcomeNotFound, ruc.Classify(err))
	require.Equal(t, StateDone, res.State, "an explicit negative is a completed lookup")
}

func TestLookupBlockBanner(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, blockedPage)
	e := newEngine(&fakeResolver{})

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.ErrorIs(t, err, ruc.ErrBlocked)
	require.Equal(t, ruc.OutcomeBlocked, ruc.Classify(err))
	require.Equal(t, StateFailed, res.State)
}

func TestLookupChallengeRepeatAfterSolveIsBlock(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(formWithRecaptcha, formWithRecaptcha)
	resolver := &fakeResolver{answer: ruc.Answer{Value: "tok", Method: ruc.MethodToken}}
	e := newEngine(resolver)

	_, err := e.Do(context.Background(), sess, "20131312955")
	require.ErrorIs(t, err, ruc.ErrBlocked)
}

func TestLookupFormBounceWithoutChallengeIsTransient(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, plainForm)
	e := newEngine(&fakeResolver{})

	_, err := e.Do(context.Background(), sess, "20131312955")
	require.Error(t, err)
	require.NotErrorIs(t, err, ruc.ErrBlocked)
	require.Equal(t, ruc.OutcomeTransientError, ruc.Classify(err))
}

func TestLookupAmbiguousResultIsPermanent(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm, ambiguousPage)
	e := newEngine(&fakeResolver{})

	res, err := e.Do(context.Background(), sess, "20131312955")
	require.ErrorIs(t, err, ruc.ErrAmbiguousResult)
	require.Equal(t, ruc.OutcomePermanentError, ruc.Classify(err))
	require.Equal(t, ambiguousPage, res.PageHTML, "page must survive for evidence capture")
}

func TestLookupSolverFailurePassesThrough(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(formWithRecaptcha)
	resolver := &fakeResolver{err: fmt.Errorf("job j-1: %w", ruc.ErrSolverTimeout)}
	e := newEngine(resolver)

	_, err := e.Do(context.Background(), sess, "20131312955")
	require.ErrorIs(t, err, ruc.ErrSolverTimeout)
}

func TestLookupNavRefusalIsBlocked(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(plainForm)
	sess.openErr = errors.New("page load error net::ERR_CONNECTION_REFUSED")
	e := newEngine(&fakeResolver{})

	_, err := e.Do(context.Background(), sess, "20131312955")
	require.ErrorIs(t, err, ruc.ErrBlocked)
}
