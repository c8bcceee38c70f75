// Package lookup drives a single taxpayer id through the portal: navigate,
// clear the CAPTCHA gate, submit, and classify what came back.
package lookup

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Portal selectors. The criteria form has kept these ids across portal
// redesigns; the challenge widgets vary between the reCAPTCHA div and the
// legacy image. The exported ones are shared with the startup precheck.
const (
	SelIDInput      = "#txtRuc"
	SelSubmit       = "#btnAceptar"
	SelRecaptcha    = ".g-recaptcha"
	SelCaptchaImage = "#imgCaptcha"

	selSearchByRUC  = "#rbtnTipo01"
	selCaptchaInput = "#txtCodigo"

	// tokenFieldID is the hidden textarea reCAPTCHA reads the answer from.
	tokenFieldID = "g-recaptcha-response"

	// selResultReady matches any container the portal renders after a
	// submit: the record card, the legacy table, or an error alert.
	selResultReady = ".list-group-item, .panel, table, .alert"
)

// State names the phase a lookup attempt is in.
type State string

// Lookup lifecycle states.
const (
	StateIdle              State = "idle"
	StateNavigating        State = "navigating"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateSubmitting        State = "submitting"
	StateExtracting        State = "extracting"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Config points the engine at the portal search form.
type Config struct {
	SearchURL string
	// ResultTimeout bounds the wait for the post-submit page transition.
	ResultTimeout time.Duration
}

// Result carries what one portal pass produced. PageHTML holds the final
// rendered document so callers can archive it as evidence.
type Result struct {
	State           State
	Extraction      ruc.Extraction
	ChallengeMethod string
	PageHTML        string
	FinalURL        string
}

// Engine runs the per-id lookup flow on a caller-provided session. Session
// lifetime and retry policy live one layer up.
type Engine struct {
	resolver  ruc.ChallengeResolver
	extractor ruc.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New builds an Engine.
func New(resolver ruc.ChallengeResolver, extractor ruc.Extractor, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 20 * time.Second
	}
	return &Engine{
		resolver:  resolver,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "lookup")),
	}
}

// Do performs one full lookup for id on sess. The returned error classifies
// the failure through the shared sentinels; the Result is populated as far
// as the attempt got.
func (e *Engine) Do(ctx context.Context, sess ruc.Session, id ruc.RequestID) (Result, error) {
	log := e.logger.With(zap.String("id", id.String()), zap.String("session_id", sess.ID()))
	res := Result{State: StateIdle}

	res.State = StateNavigating
	log.Debug("state change", zap.String("state", string(res.State)))
	if err := sess.Open(ctx, e.cfg.SearchURL); err != nil {
		res.State = StateFailed
		if m, ok := refusalSignature(err.Error()); ok {
			return res, fmt.Errorf("open search form: %s: %w", m, ruc.ErrBlocked)
		}
		return res, fmt.Errorf("open search form: %w", err)
	}
	if err := sess.Click(ctx, selSearchByRUC); err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("select search-by-ruc: %w", err)
	}
	if err := sess.Fill(ctx, SelIDInput, id.String()); err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("fill id input: %w", err)
	}

	res.State = StateAwaitingChallenge
	log.Debug("state change", zap.String("state", string(res.State)))
	ch, err := e.detectChallenge(ctx, sess)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	if !ch.Empty() {
		answer, err := e.resolver.Resolve(ctx, ch)
		if err != nil {
			res.State = StateFailed
			return res, fmt.Errorf("resolve challenge: %w", err)
		}
		if err := e.applyAnswer(ctx, sess, answer); err != nil {
			res.State = StateFailed
			return res, err
		}
		res.ChallengeMethod = answer.Method
		log.Debug("challenge solved", zap.String("method", answer.Method))
	}

	res.State = StateSubmitting
	log.Debug("state change", zap.String("state", string(res.State)))
	if err := sess.Click(ctx, SelSubmit); err != nil {
		log.Debug("submit click failed, submitting the form directly", zap.Error(err))
		if evalErr := sess.Evaluate(ctx, formSubmitScript); evalErr != nil {
			res.State = StateFailed
			return res, fmt.Errorf("submit search: %w", err)
		}
	}
	e.awaitResult(ctx, sess)

	res.State = StateExtracting
	log.Debug("state change", zap.String("state", string(res.State)))
	html, err := sess.Content(ctx)
	if err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("read result page: %w", err)
	}
	res.PageHTML = html
	if url, err := sess.CurrentURL(ctx); err == nil {
		res.FinalURL = url
	}

	if marker, ok := BlockSignature(html); ok {
		res.State = StateFailed
		return res, fmt.Errorf("block signature %q: %w", marker, ruc.ErrBlocked)
	}
	if SearchFormSignature(html) {
		res.State = StateFailed
		if res.ChallengeMethod != "" {
			// A solved challenge bounced straight back to the form:
			// the portal is refusing this session.
			return res, fmt.Errorf("challenge presented again after submit: %w", ruc.ErrBlocked)
		}
		return res, fmt.Errorf("portal returned the search form after submit")
	}
	if NoRecordSignature(html) {
		res.State = StateDone
		return res, fmt.Errorf("id %s: %w", id, ruc.ErrNoRecord)
	}

	ext, err := e.extractor.Extract(html)
	if err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("extract record: %w", err)
	}
	if ext.Empty() {
		res.State = StateFailed
		return res, fmt.Errorf("id %s: %w", id, ruc.ErrAmbiguousResult)
	}

	res.Extraction = ext
	res.State = StateDone
	log.Debug("state change",
		zap.String("state", string(res.State)),
		zap.String("strategy", ext.Strategy),
		zap.String("confidence", string(ext.Confidence)))
	return res, nil
}

// detectChallenge inspects the criteria form for CAPTCHA material. Both the
// site key and the image may be present; the resolver picks its strategy.
func (e *Engine) detectChallenge(ctx context.Context, sess ruc.Session) (ruc.Challenge, error) {
	html, err := sess.Content(ctx)
	if err != nil {
		return ruc.Challenge{}, fmt.Errorf("read search form: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ruc.Challenge{}, fmt.Errorf("parse search form: %w", err)
	}

	var ch ruc.Challenge
	if key, ok := doc.Find(SelRecaptcha).First().Attr("data-sitekey"); ok && key != "" {
		ch.SiteKey = key
		ch.PageURL = e.cfg.SearchURL
		if url, err := sess.CurrentURL(ctx); err == nil && url != "" {
			ch.PageURL = url
		}
	}
	if doc.Find(SelCaptchaImage).Length() > 0 {
		img, err := sess.CaptureElement(ctx, SelCaptchaImage)
		if err != nil {
			return ruc.Challenge{}, fmt.Errorf("capture challenge image: %w", err)
		}
		ch.ImageB64 = base64.StdEncoding.EncodeToString(img)
	}
	return ch, nil
}

// applyAnswer feeds the solved challenge back into the page.
func (e *Engine) applyAnswer(ctx context.Context, sess ruc.Session, answer ruc.Answer) error {
	switch answer.Method {
	case ruc.MethodToken:
		if err := sess.Evaluate(ctx, tokenInjectionScript(answer.Value)); err != nil {
			return fmt.Errorf("inject response token: %w", err)
		}
	case ruc.MethodImage:
		if err := sess.Fill(ctx, selCaptchaInput, answer.Value); err != nil {
			return fmt.Errorf("fill challenge code: %w", err)
		}
	default:
		return fmt.Errorf("unknown challenge method %q", answer.Method)
	}
	return nil
}

// formSubmitScript submits the criteria form directly when the accept button
// is not interactable (the challenge widget can overlap it).
const formSubmitScript = `(function() {
	var form = document.getElementById("form01") || document.forms[0];
	if (form) { form.submit(); }
})();`

// awaitResult waits for any post-submit container to render. A timeout here
// is not fatal: the page is inspected as-is and the signature scan decides.
func (e *Engine) awaitResult(ctx context.Context, sess ruc.Session) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ResultTimeout)
	defer cancel()
	if err := sess.WaitVisible(waitCtx, selResultReady); err != nil {
		e.logger.Debug("result container did not render in time", zap.Error(err))
	}
}

// tokenInjectionScript writes the token into the hidden reCAPTCHA response
// field, creating the field inside the form when the widget has not made one.
func tokenInjectionScript(token string) string {
	return fmt.Sprintf(`(function() {
	var field = document.getElementById(%[1]q);
	if (!field) {
		field = document.createElement("textarea");
		field.id = %[1]q;
		field.name = %[1]q;
		field.style.display = "none";
		var form = document.forms[0];
		if (form) { form.appendChild(field); }
	}
	field.value = %[2]q;
	field.innerHTML = %[2]q;
})();`, tokenFieldID, token)
}
