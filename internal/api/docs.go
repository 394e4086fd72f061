package api

import (
	_ "embed"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIOnce sync.Once
	openAPIJSON []byte
	openAPIErr  error
)

// openAPIDocument converts the embedded YAML document to JSON once.
func openAPIDocument() ([]byte, error) {
	openAPIOnce.Do(func() {
		var doc map[string]any
		if openAPIErr = yaml.Unmarshal(openAPIYAML, &doc); openAPIErr != nil {
			return
		}
		openAPIJSON, openAPIErr = json.Marshal(doc)
	})
	return openAPIJSON, openAPIErr
}

// OpenAPIHandler serves the OpenAPI document as JSON.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	b, err := openAPIDocument()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "OpenAPI not available: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
