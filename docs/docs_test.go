package docs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swaggo/swag"
)

func TestReadDoc(t *testing.T) {
	raw, err := swag.ReadDoc(SwaggerInfo.InstanceName())
	require.NoError(t, err)

	var doc struct {
		Swagger string                    `json:"swagger"`
		Info    struct{ Title string }    `json:"info"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc), "rendered document must be valid JSON")

	assert.Equal(t, "2.0", doc.Swagger)
	assert.Equal(t, "libdiff API", doc.Info.Title)

	want := map[string][]string{
		"/builds":                 {"get"},
		"/changes":                {"get", "post"},
		"/changes/{change}":       {"get"},
		"/changes/{change}/build": {"delete"},
		"/changes/{change}/diff":  {"get"},
		"/changes/{change}/retry": {"post"},
	}
	for path, methods := range want {
		ops, ok := doc.Paths[path]
		if !assert.True(t, ok, "missing path %s", path) {
			continue
		}
		for _, m := range methods {
			assert.Contains(t, ops, m, "%s %s", m, path)
		}
	}
}
