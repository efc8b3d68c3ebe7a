// Copyright 2025 Nooterra
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DirectoryAgent is one candidate returned by the capability directory.
type DirectoryAgent struct {
	DID      string `json:"did"`
	Endpoint string `json:"endpoint"`
	Price    int64  `json:"price"`
}

// DirectoryClient talks to the external capability directory: candidate
// lookup per capability and output-schema fetch for result validation.
// Compiled schemas are cached per capability for the process lifetime.
type DirectoryClient struct {
	baseURL  string
	client   *http.Client
	failOpen bool

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewDirectoryClient(baseURL string, failOpen bool) *DirectoryClient {
	return &DirectoryClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		failOpen: failOpen,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Agents returns the directory's candidates for a capability.
func (d *DirectoryClient) Agents(ctx context.Context, capabilityID string) ([]DirectoryAgent, error) {
	if d.baseURL == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/v1/capabilities/%s/agents", d.baseURL, url.PathEscape(capabilityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d for %s", resp.StatusCode, capabilityID)
	}
	var body struct {
		Agents []DirectoryAgent `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Agents, nil
}

// ValidateResult checks a result document against the capability's output
// schema. Directory outages fail open when configured: an unreachable
// directory must not wedge result ingestion, so the result passes and the
// outage is logged. A schema that fetches fine but rejects the document is a
// hard ErrSchemaInvalid.
func (d *DirectoryClient) ValidateResult(ctx context.Context, capabilityID string, result json.RawMessage) error {
	if d.baseURL == "" || len(result) == 0 {
		return nil
	}
	schema, err := d.schemaFor(ctx, capabilityID)
	if err != nil {
		if d.failOpen {
			log.Printf("[Directory] schema fetch failed for %s, passing result through: %v", capabilityID, err)
			return nil
		}
		return fmt.Errorf("%w: schema unavailable for %s: %v", ErrSchemaInvalid, capabilityID, err)
	}
	if schema == nil {
		// Capability publishes no output schema.
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(result))
	if err != nil {
		return fmt.Errorf("%w: result is not valid JSON", ErrSchemaInvalid)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}

func (d *DirectoryClient) schemaFor(ctx context.Context, capabilityID string) (*jsonschema.Schema, error) {
	d.mu.RLock()
	schema, ok := d.schemas[capabilityID]
	d.mu.RUnlock()
	if ok {
		return schema, nil
	}

	u := fmt.Sprintf("%s/v1/capabilities/%s/schema", d.baseURL, url.PathEscape(capabilityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		d.mu.Lock()
		d.schemas[capabilityID] = nil
		d.mu.Unlock()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d for schema %s", resp.StatusCode, capabilityID)
	}
	doc, err := jsonschema.UnmarshalJSON(resp.Body)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("nooterra://schemas/%s.json", url.PathEscape(capabilityID))
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	schema, err = compiler.Compile(resource)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.schemas[capabilityID] = schema
	d.mu.Unlock()
	return schema, nil
}
