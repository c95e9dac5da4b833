// Package redact scrubs secrets and PII from diagnostic strings before they
// leave the sandbox boundary.
package redact

import (
	"regexp"
	"strings"
)

// DefaultMaxLen bounds redacted strings on the job error surface.
const DefaultMaxLen = 500

// Rule order matters: earlier rules strip tokens that later rules would
// otherwise over-match (e.g. a JWT would also trip the long-token rule).
var (
	reEmail       = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	reBearer      = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]+\b`)
	reJWT         = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{20,}\b`)
	reBasic       = regexp.MustCompile(`(?i)\bAuthorization\s*:\s*Basic\s+[A-Za-z0-9+/=]+\b`)
	reAPIKeyField = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|client[_-]?secret)\s*[:=]\s*["']?[^"'\s]{6,}["']?`)
	reURLKeyParam = regexp.MustCompile(`(?i)([?&](?:api[_-]?key|token|secret|password|client[_-]?secret)=)[^&#\s]{4,}`)
	reURLUserinfo = regexp.MustCompile(`(?i)\b(https?://)[^:@\s]+:[^@\s]+@`)
	reLongAlnum   = regexp.MustCompile(`\b[A-Za-z0-9_-]{24,}\b`)
	reUUID        = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)
	reAWSAKID     = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	rePhone       = regexp.MustCompile(`(^|[^\d])(\+?\d[\d\s\-]{7,}\d)($|[^\d])`)
)

// Redact masks common secrets and PII and truncates to DefaultMaxLen.
func Redact(text string) string {
	return RedactN(text, DefaultMaxLen)
}

// RedactN is Redact with an explicit length cap; maxLen <= 0 disables
// truncation.
func RedactN(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	s := text
	s = reEmail.ReplaceAllString(s, "***@***")
	s = reBearer.ReplaceAllString(s, "Bearer ***")
	s = reJWT.ReplaceAllString(s, "***")
	s = reBasic.ReplaceAllString(s, "Authorization: Basic ***")
	s = reAPIKeyField.ReplaceAllString(s, "$1=***")
	s = reURLKeyParam.ReplaceAllString(s, "$1***")
	s = reURLUserinfo.ReplaceAllString(s, "$1***:***@")
	s = reLongAlnum.ReplaceAllString(s, "***")
	s = reUUID.ReplaceAllString(s, "***")
	s = reAWSAKID.ReplaceAllString(s, "***")
	s = rePhone.ReplaceAllString(s, "$1***$3")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen-3] + "..."
	}
	return s
}

// SummarizeLogs keeps the first maxLines of text and, when a traceback-like
// structure is detected, appends the final exception line. The result is
// redacted and capped at maxChars.
func SummarizeLogs(text string, maxLines, maxChars int) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	kept := lines
	if maxLines > 0 && len(lines) > maxLines {
		kept = append([]string(nil), lines[:maxLines]...)
	}
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "Traceback") {
		last := ""
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.TrimSpace(lines[i]) != "" {
				last = lines[i]
				break
			}
		}
		if last != "" && (maxLines <= 0 || len(lines) > maxLines) {
			kept = append(kept, last)
		}
	}
	return RedactN(strings.Join(kept, "\n"), maxChars)
}
