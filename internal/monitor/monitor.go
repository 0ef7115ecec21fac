// Package monitor checks inbound payloads against JSON Schema contracts. Each
// provider's webhook body has a contract, as does the payment request body.
package monitor

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PaymentRequestContract names the schema for POST /payments bodies.
const PaymentRequestContract = "payment_request"

//go:embed schemas/*.json
var schemaFS embed.FS

// ContractMonitor holds compiled schemas keyed by contract name.
type ContractMonitor struct {
	schemas map[string]*gojsonschema.Schema
}

// NewContractMonitor compiles the given schema documents.
func NewContractMonitor(contracts map[string][]byte) (*ContractMonitor, error) {
	cm := &ContractMonitor{schemas: make(map[string]*gojsonschema.Schema, len(contracts))}
	for name, doc := range contracts {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
		}
		cm.schemas[name] = schema
	}
	return cm, nil
}

// NewDefaultContractMonitor loads the contracts shipped with the binary.
func NewDefaultContractMonitor() (*ContractMonitor, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	contracts := make(map[string][]byte, len(entries))
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", e.Name(), err)
		}
		contracts[strings.TrimSuffix(e.Name(), ".json")] = b
	}
	return NewContractMonitor(contracts)
}

// Has reports whether a contract is registered under name.
func (cm *ContractMonitor) Has(name string) bool {
	_, ok := cm.schemas[name]
	return ok
}

// Contracts lists the registered contract names.
func (cm *ContractMonitor) Contracts() []string {
	names := make([]string, 0, len(cm.schemas))
	for name := range cm.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks body against the named contract. It returns true if valid,
// or false and a list of validation errors if invalid. A name without a
// contract always validates.
func (cm *ContractMonitor) Validate(name string, body []byte) (bool, []string, error) {
	schema, ok := cm.schemas[name]
	if !ok {
		return true, nil, nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
