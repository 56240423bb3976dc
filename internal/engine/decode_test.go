package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)

const scenarioPayload = `{"application_name":"svc","level":"ERR","message":"boom","exception":{"name":"IOError","message":"disk full","trace":[{"file":"a.go","line":10,"function":"write"}]}}`

func TestDecode_Scenario(t *testing.T) {
	ev, err := Decode([]byte(scenarioPayload), received)
	require.NoError(t, err)

	line := 10
	want := &model.LogEvent{
		Application: "svc",
		Severity:    model.SeverityError,
		Message:     "boom",
		Timestamp:   received,
		Exception: &model.ExceptionRecord{
			Name:    "IOError",
			Message: "disk full",
			Trace:   []model.StackFrame{{File: "a.go", Line: &line, Function: "write"}},
		},
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Idempotent(t *testing.T) {
	payload := []byte(`{"application_name":"api","timestamp":1700000000,"level":"WRN","message":"slow",
		"exception":{"name":"Timeout","code":"504","previous":{"name":"Dial","trace":[{"class":"Net","callType":"->","args":[1,"a",null,{"k":true}]}]}},"extra":{"x":1}}`)

	first, err := Decode(payload, received)
	require.NoError(t, err)
	second, err := Decode(payload, received)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("decoding twice differs (-first +second):\n%s", diff)
	}
	assert.Equal(t, time.Unix(1700000000, 0), first.Timestamp)
	require.NotNil(t, first.Exception.Code)
	assert.Equal(t, int64(504), *first.Exception.Code)
	frame := first.Exception.Previous.Trace[0]
	assert.Equal(t, model.CallInstance, frame.Kind)
	assert.Equal(t, []string{"1", "a", "null", `{"k":true}`}, frame.Args)
}

func nested(depth int) string {
	var b strings.Builder
	for i := 1; i <= depth; i++ {
		if i > 1 {
			b.WriteString(`,"previous":`)
		}
		fmt.Fprintf(&b, `{"name":"E%d","message":"m%d"`, i, i)
	}
	b.WriteString(strings.Repeat("}", depth))
	return `{"message":"chain","exception":` + b.String() + `}`
}

func TestDecode_CauseChain(t *testing.T) {
	for _, depth := range []int{1, 2, 5, 20} {
		ev, err := Decode([]byte(nested(depth)), received)
		require.NoError(t, err)
		require.Equal(t, depth, ev.Exception.Depth())

		i := 1
		for e := ev.Exception; e != nil; e = e.Previous {
			assert.Equal(t, fmt.Sprintf("E%d", i), e.Name)
			assert.Equal(t, fmt.Sprintf("m%d", i), e.Message)
			i++
		}
	}
}

func TestDecode_CauseChainDepthLimit(t *testing.T) {
	ev, err := Decode([]byte(nested(MaxCauseDepth+10)), received)
	require.NoError(t, err)
	assert.Equal(t, MaxCauseDepth, ev.Exception.Depth())
}

func TestDecode_Defaults(t *testing.T) {
	ev, err := Decode([]byte(`{}`), received)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultApplication, ev.Application)
	assert.Equal(t, model.SeverityInfo, ev.Severity)
	assert.Equal(t, "", ev.Message)
	assert.Equal(t, received, ev.Timestamp)
	assert.Nil(t, ev.Exception)
}

func TestDecode_SeverityDefaulting(t *testing.T) {
	for _, payload := range []string{
		`{"message":"x"}`,
		`{"message":"x","level":"LOUD"}`,
		`{"message":"x","level":"err"}`,
		`{"message":"x","level":3}`,
		`{"message":"x","level":null}`,
	} {
		ev, err := Decode([]byte(payload), received)
		require.NoError(t, err, payload)
		assert.Equal(t, model.SeverityInfo, ev.Severity, payload)
	}
}

func TestDecode_Coercion(t *testing.T) {
	ev, err := Decode([]byte(`{"application_name":42,"message":{"a":[1,2]},"timestamp":"bogus",
		"exception":{"name":"E","code":"abc","line":"7","trace":[1,"x",{"function":"f","line":2.9}],"previous":"nope"}}`), received)
	require.NoError(t, err)

	assert.Equal(t, "42", ev.Application)
	assert.Equal(t, `{"a":[1,2]}`, ev.Message)
	assert.Equal(t, received, ev.Timestamp)
	require.NotNil(t, ev.Exception)
	assert.Nil(t, ev.Exception.Code)
	require.NotNil(t, ev.Exception.Line)
	assert.Equal(t, 7, *ev.Exception.Line)
	require.Len(t, ev.Exception.Trace, 1)
	assert.Equal(t, "f", ev.Exception.Trace[0].Function)
	assert.Equal(t, 2, *ev.Exception.Trace[0].Line)
	assert.Nil(t, ev.Exception.Previous)
}

func TestDecode_TimestampFallbacks(t *testing.T) {
	ev, err := Decode([]byte(`{"timestamp":0}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, ev.Timestamp)

	ev, err = Decode([]byte(`{"timestamp":"1700000000"}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0), ev.Timestamp)

	ev, err = Decode([]byte(`{"timestamp":1700000000.75}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0), ev.Timestamp)
}

func TestDecode_EmptyOrInvalidException(t *testing.T) {
	for _, exc := range []string{`{}`, `null`, `"text"`, `[1,2]`, `false`} {
		ev, err := Decode([]byte(`{"message":"m","exception":`+exc+`}`), received)
		require.NoError(t, err, exc)
		assert.Nil(t, ev.Exception, exc)
	}
}

func TestDecode_Failures(t *testing.T) {
	_, err := Decode([]byte("not json at all"), received)
	assert.Error(t, err)

	_, err = Decode([]byte(`{"message":"truncated"`), received)
	assert.Error(t, err)

	for _, payload := range []string{`[1,2]`, `"str"`, `12`, `null`} {
		_, err = Decode([]byte(payload), received)
		assert.ErrorIs(t, err, ErrNotObject, payload)
	}
}

// Objects the fastjson parser accepts that encoding/json does not.
var lenientPayloads = []string{
	`{"message":"a\qb"}`,
	"{\"message\":\"tab\there\"}",
	`{"message":"x","n":NaN}`,
	`{"message":"x","n":01}`,
	`{"message":"x","n":inf}`,
}

func TestDecode_RejectsLenientJSON(t *testing.T) {
	for _, payload := range lenientPayloads {
		_, err := Decode([]byte(payload), received)
		assert.ErrorIs(t, err, ErrInvalidJSON, payload)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []byte(`{"a":1}`), Normalize([]byte("  {\"a\":1}\r\n")))
	assert.Equal(t, "bad\uFFFDbyte", string(Normalize([]byte("bad\xffbyte"))))
}
