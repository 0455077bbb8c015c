package api

import (
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestOpenAPISpec_MatchesRoutes keeps docs/api/openapi.yaml and the router in
// step: every served route is documented and every documented one is served.
func TestOpenAPISpec_MatchesRoutes(t *testing.T) {
	data, err := os.ReadFile("../../docs/api/openapi.yaml")
	if err != nil {
		t.Skip("openapi.yaml not found")
	}

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))

	var documented []string
	for path, ops := range doc.Paths {
		for method := range ops {
			documented = append(documented, strings.ToUpper(method)+" "+path)
		}
	}
	served := NewServer(nil).Routes()
	sort.Strings(documented)
	sort.Strings(served)
	assert.Equal(t, served, documented)
}
