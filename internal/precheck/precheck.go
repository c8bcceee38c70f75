// Package precheck verifies the portal serves its search form before any
// browser session is spent on it.
package precheck

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/lookup"
	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Config controls the portal probe.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Report describes what the probe saw on the search form. Challenge names the
// widget visible in the static HTML; the portal may still inject one later,
// so an empty value is not a failure.
type Report struct {
	StatusCode int
	Elapsed    time.Duration
	Challenge  string
}

// Verify fetches the search form and checks the controls the lookup flow
// depends on are present. Any error here means a run would burn sessions for
// nothing, so callers treat it as fatal at startup.
func Verify(ctx context.Context, cfg Config, logger *zap.Logger) (Report, error) {
	if cfg.URL == "" {
		return Report{}, fmt.Errorf("portal url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		collector.UserAgent = cfg.UserAgent
	}
	collector.SetRequestTimeout(timeout)

	var (
		status int
		body   []byte
		netErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		netErr = err
	})

	if err := visit(ctx, collector, cfg.URL); err != nil {
		return Report{StatusCode: status}, err
	}
	report := Report{StatusCode: status, Elapsed: time.Since(start)}
	if netErr != nil {
		return report, fmt.Errorf("portal probe failed: %w", netErr)
	}
	if status != http.StatusOK {
		return report, fmt.Errorf("portal returned status %d", status)
	}

	html := string(body)
	if marker, ok := lookup.BlockSignature(html); ok {
		return report, fmt.Errorf("portal is refusing traffic (%q)", marker)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return report, fmt.Errorf("parse search form: %w", err)
	}
	if doc.Find(lookup.SelIDInput).Length() == 0 {
		return report, fmt.Errorf("search form is missing the id input %s", lookup.SelIDInput)
	}
	if doc.Find(lookup.SelSubmit).Length() == 0 {
		return report, fmt.Errorf("search form is missing the submit control %s", lookup.SelSubmit)
	}
	switch {
	case doc.Find(lookup.SelRecaptcha).Length() > 0:
		report.Challenge = ruc.MethodToken
	case doc.Find(lookup.SelCaptchaImage).Length() > 0:
		report.Challenge = ruc.MethodImage
	}

	logger.Info("portal precheck passed",
		zap.Int("status", report.StatusCode),
		zap.Duration("elapsed", report.Elapsed),
		zap.String("challenge", report.Challenge))
	return report, nil
}

// visit runs the collector without outliving ctx.
func visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("portal probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("portal probe visit: %w", err)
		}
		return nil
	}
}
