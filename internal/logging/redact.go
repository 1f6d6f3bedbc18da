package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redactedValue = "[REDACTED]"

// redactedKeySubstrings mark field keys whose string values are masked.
// Substring match catches prefixed variants like github_token and
// qdrant_api_key.
var redactedKeySubstrings = []string{
	"password", "secret", "token", "api_key", "authorization", "webhook",
}

// RedactedString records that a sensitive value is present, and its
// length, without the value itself.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range redactedKeySubstrings {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redactingEncoder masks string fields with credential-shaped keys.
// Credentials held as config.Secret never reach the encoder in the clear;
// this layer catches values logged as plain strings.
type redactingEncoder struct {
	zapcore.Encoder
}

func newRedactingEncoder(base zapcore.Encoder) zapcore.Encoder {
	return &redactingEncoder{Encoder: base}
}

// EncodeEntry masks per-entry fields. Fields attached with With arrive
// through the Add methods instead.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	for i := range fields {
		if fields[i].Type == zapcore.StringType && shouldRedact(fields[i].Key) {
			masked := make([]zapcore.Field, len(fields))
			copy(masked, fields)
			for j := i; j < len(masked); j++ {
				if masked[j].Type == zapcore.StringType && shouldRedact(masked[j].Key) {
					masked[j].String = redactedValue
				}
			}
			return e.Encoder.EncodeEntry(ent, masked)
		}
	}
	return e.Encoder.EncodeEntry(ent, fields)
}

func (e *redactingEncoder) AddString(key, val string) {
	if shouldRedact(key) {
		e.Encoder.AddString(key, redactedValue)
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if shouldRedact(key) {
		e.Encoder.AddByteString(key, []byte(redactedValue))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if shouldRedact(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone()}
}
