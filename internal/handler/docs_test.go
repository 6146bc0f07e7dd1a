package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocs(t *testing.T) {
	spec := []byte("openapi: 3.0.3\n")

	rr := httptest.NewRecorder()
	ServeSpec(spec)(rr, httptest.NewRequest(http.MethodGet, "/docs/openapi.yaml", nil))
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
	assert.Equal(t, string(spec), rr.Body.String())

	rr = httptest.NewRecorder()
	ServeDocs()(rr, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Contains(t, rr.Body.String(), `url: "/docs/openapi.yaml"`)
}
