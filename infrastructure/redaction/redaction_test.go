package redaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactStringMasksKeyValuePairs(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	out := r.RedactString(`api_key: "sk-abc123"`)
	assert.Contains(t, out, "***REDACTED***")
	assert.NotContains(t, out, "sk-abc123")
}

func TestRedactStringNoOpWhenDisabled(t *testing.T) {
	r := NewRedactor(SecretConfig{Enabled: false})
	in := `password: "hunter2"`
	assert.Equal(t, in, r.RedactString(in))
}

func TestRedactMapRedactsBlockedFieldNamesRegardlessOfValue(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	out := r.RedactMap(map[string]interface{}{"db_password": "hunter2", "username": "alice"})
	assert.Equal(t, "***REDACTED***", out["db_password"])
	assert.Equal(t, "alice", out["username"])
}

func TestRedactMapRecursesIntoNestedMapsAndSlices(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	out := r.RedactMap(map[string]interface{}{
		"nested": map[string]interface{}{"secret": "abc"},
		"list":   []interface{}{map[string]interface{}{"token": "xyz"}},
	})
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "***REDACTED***", nested["secret"])
	list := out["list"].([]interface{})
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "***REDACTED***", entry["token"])
}

func TestNewRedactorDefaultsEmptyRedactionText(t *testing.T) {
	r := NewRedactor(SecretConfig{Enabled: true})
	assert.Equal(t, "***REDACTED***", r.config.RedactionText)
}

func TestRedactAllAndRedactMapPackageHelpersUseDefaultConfig(t *testing.T) {
	assert.Contains(t, RedactAll(`token: "abc"`), "***REDACTED***")
	out := RedactMap(map[string]interface{}{"secret": "abc"})
	assert.Equal(t, "***REDACTED***", out["secret"])
}
