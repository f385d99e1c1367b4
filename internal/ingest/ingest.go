// Package ingest decodes and validates OTLP/JSON trace export payloads into
// span records ready for buffering and storage.
package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Hikari attribute keys. requiredAttributes lists the ones a span must
// carry; a span missing any of them is rejected. The rest are optional.
const (
	attrStage      = "hikari.stage"
	attrModel      = "hikari.model"
	attrProvider   = "hikari.provider"
	attrPipelineID = "hikari.pipeline_id"

	attrTokensInput  = "hikari.tokens.input"
	attrTokensOutput = "hikari.tokens.output"
	attrCostInput    = "hikari.cost.input"
	attrCostOutput   = "hikari.cost.output"
	attrCostTotal    = "hikari.cost.total"
)

var requiredAttributes = []string{attrStage, attrModel, attrProvider}

const (
	pipelineIDMinLength = 1
	pipelineIDMaxLength = 256
	traceIDMaxLength    = 64
	spanIDMaxLength     = 64
	spanNameMaxLength   = 256

	// minTimestampNS is January 1, 2020 00:00:00 UTC, a practical lower
	// bound for LLM pipeline telemetry.
	minTimestampNS int64 = 1577836800_000_000_000
	// maxTimestampFutureDays bounds how far into the future a span's start
	// or end time may fall, tolerating clock skew without accepting
	// obviously malformed timestamps.
	maxTimestampFutureDays = 365
	// maxSpanDurationNS rejects spans whose reported duration exceeds a
	// single day, which is never legitimate LLM pipeline telemetry.
	maxSpanDurationNS int64 = 24 * 60 * 60 * 1_000_000_000
)

var (
	idPattern         = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
	pipelineIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_:.]+$`)
)

// Envelope is the top-level OTLP/JSON trace export request body.
type Envelope struct {
	ResourceSpans []ResourceSpans `json:"resourceSpans"`
}

type ResourceSpans struct {
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

type ScopeSpans struct {
	Spans []RawSpan `json:"spans"`
}

// RawSpan is a single OTLP span as received on the wire, before attribute
// extraction and validation.
type RawSpan struct {
	TraceID           string      `json:"traceId"`
	SpanID            string      `json:"spanId"`
	Name              string      `json:"name"`
	StartTimeUnixNano string      `json:"startTimeUnixNano"`
	EndTimeUnixNano   string      `json:"endTimeUnixNano"`
	Attributes        []Attribute `json:"attributes"`
}

// Attribute is a single OTLP key/value attribute pair.
type Attribute struct {
	Key   string         `json:"key"`
	Value AttributeValue `json:"value"`
}

// AttributeValue decodes the OTLP tagged-union attribute value shape
// ({"stringValue": ...} | {"intValue": ...} | {"doubleValue": ...} |
// {"boolValue": ...}), falling back to a plain JSON scalar for payloads
// that send raw values directly.
type AttributeValue struct {
	Resolved any
}

func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err == nil {
		if raw, ok := tagged["stringValue"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			v.Resolved = s
			return nil
		}
		if raw, ok := tagged["intValue"]; ok {
			n, err := decodeOTLPInt(raw)
			if err != nil {
				return err
			}
			v.Resolved = n
			return nil
		}
		if raw, ok := tagged["doubleValue"]; ok {
			var f float64
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			v.Resolved = f
			return nil
		}
		if raw, ok := tagged["boolValue"]; ok {
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			v.Resolved = b
			return nil
		}
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	v.Resolved = generic
	return nil
}

// decodeOTLPInt parses an OTLP intValue, which per the protobuf JSON
// mapping is typically a quoted int64 string but is accepted as a bare
// JSON number too.
func decodeOTLPInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("intValue must be a number or numeric string")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("intValue %q is not a valid integer", s)
	}
	return n, nil
}

// Span is a decoded, validated span ready for buffering and storage. Cost
// and token fields use sql.Null* so missing data is represented as NULL
// rather than a sentinel zero value.
type Span struct {
	Time         time.Time
	TraceID      string
	SpanID       string
	SpanName     string
	PipelineID   string
	Stage        string
	Model        string
	Provider     string
	TokensInput  sql.NullInt64
	TokensOutput sql.NullInt64
	CostInput    sql.NullFloat64
	CostOutput   sql.NullFloat64
	CostTotal    sql.NullFloat64
	DurationMS   float64
}

// Result is the outcome of decoding an ingestion request: the spans that
// passed validation and a human-readable error per rejected span.
type Result struct {
	Spans    []Span
	Rejected []string
}

// Decode parses an OTLP/JSON trace export body and validates every
// contained span. A non-nil error indicates the body itself is not a
// well-formed envelope; per-span validation failures are instead reported
// in Result.Rejected, alongside the spans that passed validation in
// Result.Spans, so a request with some invalid spans can be partially
// accepted.
func Decode(body []byte) (*Result, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode OTLP envelope: %w", err)
	}

	result := &Result{}
	for _, rs := range envelope.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			for _, raw := range ss.Spans {
				span, err := parseSpan(raw)
				if err != nil {
					result.Rejected = append(result.Rejected, fmt.Sprintf("span %s: %v", raw.SpanID, err))
					continue
				}
				result.Spans = append(result.Spans, *span)
			}
		}
	}
	return result, nil
}

func parseSpan(raw RawSpan) (*Span, error) {
	if err := validateID(raw.TraceID, "traceId", traceIDMaxLength); err != nil {
		return nil, err
	}
	if err := validateID(raw.SpanID, "spanId", spanIDMaxLength); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Name) == "" {
		return nil, fmt.Errorf("name must not be empty")
	}
	if len(raw.Name) > spanNameMaxLength {
		return nil, fmt.Errorf("name must not exceed %d characters", spanNameMaxLength)
	}

	attrs := make(map[string]any, len(raw.Attributes))
	for _, a := range raw.Attributes {
		attrs[a.Key] = a.Value.Resolved
	}

	var missing []string
	for _, key := range requiredAttributes {
		if _, ok := attrs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required attributes: %s", strings.Join(missing, ", "))
	}

	stage := attrString(attrs[attrStage])
	model := attrString(attrs[attrModel])
	provider := attrString(attrs[attrProvider])

	pipelineID := raw.TraceID
	if v, ok := attrs[attrPipelineID]; ok {
		pipelineID = attrString(v)
	}
	if err := validatePipelineID(pipelineID); err != nil {
		return nil, err
	}

	startNS, err := validateTimestampNS(raw.StartTimeUnixNano, "startTimeUnixNano")
	if err != nil {
		return nil, err
	}
	endNS, err := validateTimestampNS(raw.EndTimeUnixNano, "endTimeUnixNano")
	if err != nil {
		return nil, err
	}
	if endNS < startNS {
		return nil, fmt.Errorf("endTimeUnixNano (%d) must be >= startTimeUnixNano (%d)", endNS, startNS)
	}
	durationNS := endNS - startNS
	if durationNS > maxSpanDurationNS {
		return nil, fmt.Errorf("span duration (%.2fs) exceeds maximum allowed duration (%ds)",
			float64(durationNS)/1e9, maxSpanDurationNS/1_000_000_000)
	}

	span := &Span{
		Time:       time.Unix(0, endNS).UTC(),
		TraceID:    raw.TraceID,
		SpanID:     raw.SpanID,
		SpanName:   raw.Name,
		PipelineID: pipelineID,
		Stage:      stage,
		Model:      model,
		Provider:   provider,
		DurationMS: float64(durationNS) / 1e6,
	}

	// Costs and tokens are optional. A value that cannot be coerced to
	// its expected type is dropped individually, leaving the rest of the
	// span intact rather than rejecting it outright.
	if v, ok := attrs[attrTokensInput]; ok {
		if n, err := coerceInt64(v); err == nil {
			span.TokensInput = sql.NullInt64{Int64: n, Valid: true}
		}
	}
	if v, ok := attrs[attrTokensOutput]; ok {
		if n, err := coerceInt64(v); err == nil {
			span.TokensOutput = sql.NullInt64{Int64: n, Valid: true}
		}
	}
	if v, ok := attrs[attrCostInput]; ok {
		if f, err := coerceFloat64(v); err == nil {
			span.CostInput = sql.NullFloat64{Float64: f, Valid: true}
		}
	}
	if v, ok := attrs[attrCostOutput]; ok {
		if f, err := coerceFloat64(v); err == nil {
			span.CostOutput = sql.NullFloat64{Float64: f, Valid: true}
		}
	}
	if v, ok := attrs[attrCostTotal]; ok {
		if f, err := coerceFloat64(v); err == nil {
			span.CostTotal = sql.NullFloat64{Float64: f, Valid: true}
		}
	}
	// cost_total only stands on its own when both of its components are
	// present; a partially-priced span is cheaper to treat as unpriced than
	// to report a total that silently excludes one side of the cost.
	if !span.CostInput.Valid || !span.CostOutput.Valid {
		span.CostTotal = sql.NullFloat64{}
	}

	return span, nil
}

func validateID(value, field string, maxLen int) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", field, maxLen)
	}
	if !idPattern.MatchString(value) {
		return fmt.Errorf("%s must contain only alphanumeric characters, hyphens, and underscores", field)
	}
	return nil
}

func validatePipelineID(value string) error {
	if len(value) < pipelineIDMinLength {
		return fmt.Errorf("pipeline_id must be at least %d character(s)", pipelineIDMinLength)
	}
	if len(value) > pipelineIDMaxLength {
		return fmt.Errorf("pipeline_id must not exceed %d characters", pipelineIDMaxLength)
	}
	if !pipelineIDPattern.MatchString(value) {
		return fmt.Errorf("pipeline_id must contain only alphanumeric characters, hyphens, underscores, colons, and periods")
	}
	return nil
}

func validateTimestampNS(value, field string) (int64, error) {
	ns, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", field, err)
	}
	if ns < 0 {
		return 0, fmt.Errorf("%s cannot be negative", field)
	}
	if ns < minTimestampNS {
		return 0, fmt.Errorf("%s is too old (before 2020-01-01): value %d, minimum %d", field, ns, minTimestampNS)
	}
	maxNS := time.Now().UTC().AddDate(0, 0, maxTimestampFutureDays).UnixNano()
	if ns > maxNS {
		return 0, fmt.Errorf("%s is too far in the future (more than %d days): value %d, maximum %d",
			field, maxTimestampFutureDays, ns, maxNS)
	}
	return ns, nil
}

func attrString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func coerceInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to int64", v)
	}
}

func coerceFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to float64", v)
	}
}
