package engine

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/valyala/fastjson"
)

// MaxCauseDepth bounds how many exceptions of a cause chain are decoded.
const MaxCauseDepth = 64

// ErrNotObject is returned for payloads that are valid JSON but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// ErrInvalidJSON is returned for objects the parser tolerates but strict JSON
// rejects (bad escapes, control characters, NaN, leading zeros). Such payloads
// could not be stored verbatim as a document.
var ErrInvalidJSON = errors.New("payload is not strict JSON")

var parserPool fastjson.ParserPool

// Normalize replaces invalid UTF-8 and trims surrounding whitespace.
func Normalize(payload []byte) []byte {
	s := strings.ToValidUTF8(string(payload), "\uFFFD")
	return []byte(strings.TrimSpace(s))
}

// Decode parses payload into a LogEvent. Every field is optional and type
// mismatches are coerced or defaulted; only a payload that is not a strict
// JSON object fails. received is used when the payload carries no usable
// timestamp.
func Decode(payload []byte, received time.Time) (*model.LogEvent, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return nil, err
	}
	if v.Type() != fastjson.TypeObject {
		return nil, ErrNotObject
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidJSON
	}

	ev := &model.LogEvent{
		Application: model.DefaultApplication,
		Severity:    model.SeverityInfo,
		Timestamp:   received,
	}

	if app, ok := textValue(v.Get("application_name")); ok {
		ev.Application = app
	}
	if ts, ok := intValue(v.Get("timestamp")); ok && ts != 0 {
		ev.Timestamp = time.Unix(ts, 0)
	}
	if lvl := v.Get("level"); lvl != nil && lvl.Type() == fastjson.TypeString {
		ev.Severity = model.ParseSeverity(string(lvl.GetStringBytes()))
	}
	ev.Message, _ = textValue(v.Get("message"))
	ev.Exception = decodeException(v.Get("exception"), 0)

	return ev, nil
}

func decodeException(v *fastjson.Value, depth int) *model.ExceptionRecord {
	if v == nil || v.Type() != fastjson.TypeObject || depth >= MaxCauseDepth {
		return nil
	}
	obj, _ := v.Object()
	if obj.Len() == 0 {
		return nil
	}

	rec := &model.ExceptionRecord{}
	rec.Name, _ = textValue(v.Get("name"))
	rec.Message, _ = textValue(v.Get("message"))
	rec.File, _ = textValue(v.Get("file"))
	if code, ok := intValue(v.Get("code")); ok {
		rec.Code = &code
	}
	rec.Line = lineValue(v.Get("line"))

	if trace := v.Get("trace"); trace != nil && trace.Type() == fastjson.TypeArray {
		frames, _ := trace.Array()
		for _, f := range frames {
			if f.Type() != fastjson.TypeObject {
				continue
			}
			rec.Trace = append(rec.Trace, decodeFrame(f))
		}
	}

	rec.Previous = decodeException(v.Get("previous"), depth+1)
	return rec
}

func decodeFrame(v *fastjson.Value) model.StackFrame {
	var f model.StackFrame
	f.File, _ = textValue(v.Get("file"))
	f.Line = lineValue(v.Get("line"))
	f.Function, _ = textValue(v.Get("function"))
	f.Class, _ = textValue(v.Get("class"))
	if kind, ok := textValue(v.Get("callType")); ok {
		f.Kind = model.ParseCallKind(kind)
	}

	if args := v.Get("args"); args != nil && args.Type() == fastjson.TypeArray {
		items, _ := args.Array()
		f.Args = make([]string, 0, len(items))
		for _, a := range items {
			s, _ := textValue(a)
			if a.Type() == fastjson.TypeNull {
				s = "null"
			}
			f.Args = append(f.Args, s)
		}
	}
	return f
}

// textValue returns strings verbatim and any other non-null value as its
// compact JSON text.
func textValue(v *fastjson.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	switch v.Type() {
	case fastjson.TypeNull:
		return "", false
	case fastjson.TypeString:
		return string(v.GetStringBytes()), true
	default:
		return string(v.MarshalTo(nil)), true
	}
}

// intValue accepts integers, floats (truncated) and numeric strings.
func intValue(v *fastjson.Value) (int64, bool) {
	if v == nil {
		return 0, false
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case fastjson.TypeString:
		s := strings.TrimSpace(string(v.GetStringBytes()))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func lineValue(v *fastjson.Value) *int {
	n, ok := intValue(v)
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return nil
	}
	line := int(n)
	return &line
}
