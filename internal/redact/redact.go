// Package redact 负责在错误文本进入日志或 API 之前剔除敏感信息。
package redact

import (
	"errors"
	"regexp"
)

const (
	URLMarker   = "[redacted-url]"
	KeyMarker   = "[redacted-key]"
	TokenMarker = "[redacted-token]"
)

var (
	// Telegram 风格的 bot token: <数字 id>:<35 位字符>
	botTokenPattern = regexp.MustCompile(`\b(?:bot)?\d{6,12}:[A-Za-z0-9_-]{30,}\b`)
	// 查询串中的 key=... / apikey=... / token=...
	queryKeyPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|key|secret)=([^&\s"']+)`)
	urlPattern      = regexp.MustCompile(`(?i)\b(?:https?|wss?|postgres(?:ql)?|rediss?)://[^\s"'<>]+`)
	hexKeyPattern   = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`)
)

// String 返回脱敏后的文本。
func String(s string) string {
	if s == "" {
		return s
	}
	out := botTokenPattern.ReplaceAllString(s, TokenMarker)
	out = queryKeyPattern.ReplaceAllString(out, "$1="+KeyMarker)
	out = urlPattern.ReplaceAllString(out, URLMarker)
	out = hexKeyPattern.ReplaceAllString(out, KeyMarker)
	return out
}

// Error wraps err so that Error() yields the scrubbed text while errors.Is/As
// still reach the original chain.
func Error(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{err: err}
}

// Message is a convenience for err.Error() followed by String.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

type redactedError struct {
	err error
}

func (e *redactedError) Error() string { return String(e.err.Error()) }

func (e *redactedError) Unwrap() error { return e.err }

var _ interface{ Unwrap() error } = (*redactedError)(nil)

// IsRedacted reports whether err was produced by Error.
func IsRedacted(err error) bool {
	var r *redactedError
	return errors.As(err, &r)
}
