package canonicaljson

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_RedactsSensitiveFields(t *testing.T) {
	in := map[string]interface{}{
		"name":     "widget",
		"api_key":  "sk-abc123",
		"nested":   map[string]interface{}{"password": "hunter2", "ok": "fine"},
		"list":     []interface{}{map[string]interface{}{"token": "t1"}, "plain"},
	}
	out := Sanitize(in).(map[string]interface{})
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, redacted, out["api_key"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, redacted, nested["password"])
	assert.Equal(t, "fine", nested["ok"])
	list := out["list"].([]interface{})
	assert.Equal(t, redacted, list[0].(map[string]interface{})["token"])
	assert.Equal(t, "plain", list[1])
}

func TestHash_SensitiveFieldChangeDoesNotChangeHash(t *testing.T) {
	a := map[string]interface{}{"name": "x", "api_key": "aaa"}
	b := map[string]interface{}{"name": "x", "api_key": "bbb"}
	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHash_NonSensitiveFieldChangeChangesHash(t *testing.T) {
	a := map[string]interface{}{"name": "x"}
	b := map[string]interface{}{"name": "y"}
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	assert.NotEqual(t, ha, hb)
}

func TestHash_KeyOrderIrrelevant(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": 2, "c": 3}
	b := map[string]interface{}{"c": 3, "a": 1, "b": 2}
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	assert.Equal(t, ha, hb)
}

func TestRedactErrorMessage(t *testing.T) {
	in := "upstream call failed: apikey=sk-verysecretvalue during refresh"
	out := RedactErrorMessage(in)
	assert.Contains(t, out, "apikey=[REDACTED]")
	assert.NotContains(t, out, "sk-verysecretvalue")
}

func TestRedactErrorMessage_Truncates(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	out := RedactErrorMessage(string(long))
	assert.LessOrEqual(t, len(out), maxErrorMessageLen)
	assert.Contains(t, out, truncationSuffix)
}

// TestProperty_KeyOrderIndependence exercises §8's universal invariant
// "for all objects O, shuffling key insertion order does not change the
// hash" across randomly generated flat string maps.
func TestProperty_KeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is independent of map construction order", prop.ForAll(
		func(keys []string, vals []string) bool {
			n := len(keys)
			if len(vals) < n {
				return true
			}
			forward := map[string]interface{}{}
			backward := map[string]interface{}{}
			for i := 0; i < n; i++ {
				forward[keys[i]] = vals[i]
			}
			for i := n - 1; i >= 0; i-- {
				backward[keys[i]] = vals[i]
			}
			hf, err1 := Hash(forward)
			hb, err2 := Hash(backward)
			if err1 != nil || err2 != nil {
				return false
			}
			return hf == hb
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
