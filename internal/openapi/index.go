// Package openapi loads and indexes OpenAPI specifications, providing
// operation lookup by operationId and request body validation.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI document to load. Data takes precedence
// over SpecPath.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
	Data      []byte
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by (serviceID, operationID).
type Index struct {
	operations map[string]IndexedOperation // key: "serviceID:operationID"
	byService  map[string][]string         // serviceID → []operationID
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
		byService:  make(map[string][]string),
	}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses OpenAPI specs from the given sources and indexes all operations.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		var (
			doc *openapi3.T
			err error
		)
		if src.Data != nil {
			doc, err = loader.LoadFromData(src.Data)
		} else {
			doc, err = loader.LoadFromFile(src.SpecPath)
		}
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}

		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		baseURL := src.BaseURL
		if baseURL == "" && len(doc.Servers) > 0 {
			baseURL = doc.Servers[0].URL
		}
		baseURL = strings.TrimSuffix(baseURL, "/")

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}

				// Path-level parameters first, then operation-level.
				params := make([]*openapi3.Parameter, 0)
				for _, ref := range pathItem.Parameters {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}
				for _, ref := range op.Parameters {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}

				var reqBody *openapi3.RequestBody
				if op.RequestBody != nil && op.RequestBody.Value != nil {
					reqBody = op.RequestBody.Value
				}

				key := operationKey(src.ServiceID, op.OperationID)
				idx.operations[key] = IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
					Parameters:   params,
					RequestBody:  reqBody,
					Responses:    op.Responses,
					BaseURL:      baseURL,
				}
				idx.byService[src.ServiceID] = append(idx.byService[src.ServiceID], op.OperationID)
			}
		}
	}

	return nil
}

// GetOperation returns the indexed operation for the given service and operation ID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// AllOperationIDs returns all operation IDs for the given service, sorted.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	ids := make([]string, len(idx.byService[serviceID]))
	copy(ids, idx.byService[serviceID])
	sort.Strings(ids)
	return ids
}

// Require checks that every listed operation is indexed for the service.
func (idx *Index) Require(serviceID string, operationIDs ...string) error {
	var missing []string
	for _, id := range operationIDs {
		if _, ok := idx.GetOperation(serviceID, id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("openapi: %s is missing operations: %s", serviceID, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateRequest validates a request body against the operation's JSON
// request schema. body may be any JSON-marshalable value. Returns nil if
// valid.
func (idx *Index) ValidateRequest(serviceID, operationID string, body any) []ValidationError {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}

	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	return ValidateValue(ct.Schema.Value, body)
}

// ValidateValue validates v against a schema. v may be any JSON-marshalable
// value. Returns nil if valid.
func ValidateValue(schema *openapi3.Schema, v any) []ValidationError {
	// Round-trip through JSON so the schema sees float64 numbers and
	// map[string]any objects.
	raw, err := json.Marshal(v)
	if err != nil {
		return []ValidationError{{Message: fmt.Sprintf("body is not JSON: %v", err)}}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("body is not JSON: %v", err)}}
	}

	err = schema.VisitJSON(generic, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return schemaErrors(err)
}

func schemaErrors(err error) []ValidationError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []ValidationError
		for _, e := range multi {
			out = append(out, schemaErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []ValidationError{{
			Field:   strings.Join(se.JSONPointer(), "."),
			Message: se.Reason,
		}}
	}
	return []ValidationError{{Message: err.Error()}}
}
