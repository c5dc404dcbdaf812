package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

const (
	defaultMaxPageChars = 24_000
	maxPageBytes        = 4 << 20
	logSnippetChars     = 2_000
	userAgent           = "Mozilla/5.0 (X11; Linux x86_64) scoutOS/1.0"
)

const systemPrompt = `You extract structured data from web pages.
Answer with exactly one JSON object and nothing else.
Use the requested field names as keys. Use null for any field the page does not contain.
If the page is a captcha, a login wall, a paywall or an error page, answer {"_page_state": "<short description>"}.`

// Extractor fetches a page itself and asks a language model to fill the fields.
// It has no browser, so pages that need scripting come back mostly empty.
type Extractor struct {
	logger   *slog.Logger
	gen      Generator
	client   *http.Client
	maxChars int
}

var _ ports.Extractor = (*Extractor)(nil)

func NewExtractor(logger *slog.Logger, gen Generator, client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Extractor{logger: logger, gen: gen, client: client, maxChars: defaultMaxPageChars}
}

func (e *Extractor) Extract(ctx context.Context, req ports.ExtractionRequest) (domain.ExtractionResult, error) {
	started := time.Now()

	page, status, err := e.fetch(ctx, req.URL)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	logs := fmt.Sprintf("GET %s -> %d (%d chars of text)", req.URL, status, len(page.text))

	if status >= 400 {
		return domain.ExtractionResult{
			Logs:       logs + "\n" + domain.Truncate(page.text, logSnippetChars),
			Error:      fmt.Sprintf("page returned HTTP %d %s", status, http.StatusText(status)),
			DurationMs: time.Since(started).Milliseconds(),
		}, nil
	}

	raw, err := e.gen.GenerateJSON(ctx, systemPrompt, buildPrompt(req, page, e.maxChars))
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("model call failed: %w", err)
	}
	data, err := domain.ParseJSONObject(raw)
	if err != nil {
		return domain.ExtractionResult{Logs: logs, Error: err.Error(), DurationMs: time.Since(started).Milliseconds()}, nil
	}

	res := domain.ExtractionResult{DurationMs: time.Since(started).Milliseconds()}
	if state, ok := data["_page_state"].(string); ok {
		delete(data, "_page_state")
		logs += "\npage state: " + state
	}
	res.ExtractedData = data
	if countValues(data) == 0 {
		// nothing usable; keep the page text so the classifier can see why
		logs += "\n" + domain.Truncate(page.text, logSnippetChars)
	}
	res.Logs = logs
	e.logger.Debug("llm extraction finished", "job_id", req.JobID, "fields", len(data), "duration_ms", res.DurationMs)
	return res, nil
}

type pageText struct {
	title string
	text  string
}

func (e *Extractor) fetch(ctx context.Context, url string) (pageText, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pageText{}, 0, &domain.ValidationError{Field: "url", Reason: err.Error()}
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return pageText{}, 0, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	page, err := visibleText(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return pageText{}, resp.StatusCode, fmt.Errorf("failed to read page: %w", err)
	}
	return page, resp.StatusCode, nil
}

// visibleText walks the HTML token stream and keeps human-visible text.
func visibleText(r io.Reader) (pageText, error) {
	z := html.NewTokenizer(r)
	var (
		b       strings.Builder
		title   string
		skip    int
		inTitle bool
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return pageText{title: title, text: strings.TrimSpace(b.String())}, nil
			}
			return pageText{}, z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg", "template":
				skip++
			case "title":
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg", "template":
				if skip > 0 {
					skip--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if inTitle {
				title = text
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
}

func buildPrompt(req ports.ExtractionRequest, page pageText, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Instructions)
	if len(req.Schema) > 0 {
		fmt.Fprintf(&b, "Fields: %s\n", strings.Join(req.Schema, ", "))
	}
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	if page.title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.title)
	}
	b.WriteString("\nPage text:\n")
	b.WriteString(domain.Truncate(page.text, maxChars))
	return b.String()
}

func countValues(data map[string]any) int {
	n := 0
	for _, v := range data {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		n++
	}
	return n
}
