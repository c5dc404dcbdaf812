package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// TimeoutThresholdMs is the elapsed time after which a run counts as timed out.
const TimeoutThresholdMs = 300_000

type blockedRule struct {
	reason   domain.BlockedReason
	keywords []string
}

// Scanned in order; the first match wins.
var blockedRules = []blockedRule{
	{domain.BlockedReasonCaptcha, []string{"captcha", "recaptcha", "hcaptcha", "verify you are human", "are you a robot", "i'm not a robot"}},
	{domain.BlockedReasonLogin, []string{"login required", "please log in", "please login", "sign in to continue", "authentication required"}},
	{domain.BlockedReasonPaywall, []string{"paywall", "subscribe to continue", "subscription required"}},
	{domain.BlockedReasonGeo, []string{"not available in your country", "not available in your region", "geo-block", "geoblock"}},
	{domain.BlockedReasonRateLimit, []string{"rate limit", "rate-limit", "too many requests", "429"}},
	{domain.BlockedReasonBotDetection, []string{"cloudflare", "checking your browser", "bot detected", "access denied"}},
}

var (
	timeoutKeywords  = []string{"timeout", "timed out"}
	notFoundKeywords = []string{"404", "page not found"}
)

// DetectBlockedReason scans text for site-defense keywords. Empty means none found.
func DetectBlockedReason(text string) domain.BlockedReason {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, rule := range blockedRules {
		if containsAny(lower, rule.keywords) {
			return rule.reason
		}
	}
	return ""
}

// Classify maps raw signals to a detailed outcome. Pure and deterministic.
func Classify(s domain.Signals) domain.Classification {
	combined := strings.ToLower(s.LogText + "\n" + s.ErrorText)
	extracted, missing := splitFields(s.Extracted, s.ExpectedFields)

	out := domain.Classification{
		FieldsExtracted: extracted,
		FieldsMissing:   missing,
	}

	if reason := DetectBlockedReason(combined); reason != "" {
		out.DetailedStatus = domain.DetailedStatusBlocked
		out.BlockedReason = reason
		out.FailureCategory = domain.FailureCategoryBlocked
		out.Message = fmt.Sprintf("Blocked by site: %s", reason)
		return out
	}

	if containsAny(combined, timeoutKeywords) || s.ElapsedMs > TimeoutThresholdMs {
		out.DetailedStatus = domain.DetailedStatusTimeout
		out.FailureCategory = domain.FailureCategoryTimeout
		out.Message = fmt.Sprintf("Timed out after %ds", s.ElapsedMs/1000)
		return out
	}

	if containsAny(combined, notFoundKeywords) {
		out.DetailedStatus = domain.DetailedStatusNotFound
		out.FailureCategory = domain.FailureCategoryNotFound
		out.Message = "Page not found"
		return out
	}

	if len(s.ExpectedFields) > 0 {
		// percentages count every expected entry, repeated names included
		total := len(s.ExpectedFields)
		hits := 0
		for _, f := range s.ExpectedFields {
			if hasValue(s.Extracted[f]) {
				hits++
			}
		}
		switch {
		case len(extracted) == 0:
			out.DetailedStatus = domain.DetailedStatusFailed
			out.FailureCategory = domain.FailureCategoryExtractionFailed
			out.Message = "No expected fields were extracted"
		case len(missing) > 0:
			out.DetailedStatus = domain.DetailedStatusPartial
			out.CompletionPercentage = int(math.Round(100 * float64(hits) / float64(total)))
			out.Message = fmt.Sprintf("Extracted %d of %d fields; missing: %s",
				hits, total, strings.Join(missing, ", "))
		default:
			out.DetailedStatus = domain.DetailedStatusCompleted
			out.CompletionPercentage = 100
			out.Message = fmt.Sprintf("Extracted all %d fields", total)
		}
		return out
	}

	if len(extracted) > 0 {
		out.DetailedStatus = domain.DetailedStatusCompleted
		out.CompletionPercentage = 100
		out.Message = fmt.Sprintf("Extracted %d fields", len(extracted))
		return out
	}

	out.DetailedStatus = domain.DetailedStatusFailed
	if s.Failed {
		out.FailureCategory = domain.FailureCategoryAgentError
	} else {
		out.FailureCategory = domain.FailureCategoryUnknown
	}
	out.Message = strings.TrimSpace(s.ErrorText)
	if out.Message == "" {
		out.Message = "Unknown error"
	}
	return out
}

// splitFields partitions field names into extracted and missing. With no expected
// fields every populated key counts as extracted. Both lists are sorted and
// name each field once.
func splitFields(data map[string]any, expected []string) (extracted, missing []string) {
	extracted = []string{}
	missing = []string{}
	if len(expected) == 0 {
		for k, v := range data {
			if hasValue(v) {
				extracted = append(extracted, k)
			}
		}
		sort.Strings(extracted)
		return extracted, missing
	}

	seen := make(map[string]bool, len(expected))
	for _, f := range expected {
		if seen[f] {
			continue
		}
		seen[f] = true
		if hasValue(data[f]) {
			extracted = append(extracted, f)
		} else {
			missing = append(missing, f)
		}
	}
	sort.Strings(extracted)
	sort.Strings(missing)
	return extracted, missing
}

func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// EvaluationResult is the ground-truth verdict for one job.
type EvaluationResult struct {
	Evaluation    domain.Evaluation
	AccuracyScore *float64
	Matched       []string
	Mismatched    []string
}

// Evaluate compares extracted values against ground truth, trimmed and
// case-insensitive. Columns with an empty expected value are ignored. With nothing
// to compare the verdict is null. Pass requires every compared field to match.
func Evaluate(groundTruth map[string]string, extracted map[string]any) EvaluationResult {
	keys := make([]string, 0, len(groundTruth))
	for k, v := range groundTruth {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := EvaluationResult{}
	if len(keys) == 0 {
		return res
	}

	for _, k := range keys {
		want := normalize(groundTruth[k])
		got, ok := extracted[k]
		if ok && hasValue(got) && normalize(fmt.Sprint(got)) == want {
			res.Matched = append(res.Matched, k)
		} else {
			res.Mismatched = append(res.Mismatched, k)
		}
	}

	score := math.Round(10000*float64(len(res.Matched))/float64(len(keys))) / 10000
	res.AccuracyScore = &score
	if len(res.Mismatched) == 0 {
		res.Evaluation = domain.EvaluationPass
	} else {
		res.Evaluation = domain.EvaluationFail
	}
	return res
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
