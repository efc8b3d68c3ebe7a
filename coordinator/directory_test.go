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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const summarizeSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {"summary": {"type": "string"}}
}`

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/agents"):
			json.NewEncoder(w).Encode(map[string]any{
				"agents": []DirectoryAgent{
					{DID: "did:noot:alpha", Endpoint: "https://alpha.example.com/hook", Price: 100},
					{DID: "did:noot:beta", Endpoint: "https://beta.example.com/hook", Price: 80},
				},
			})
		case strings.Contains(r.URL.Path, "cap.summarize.v1") && strings.HasSuffix(r.URL.Path, "/schema"):
			w.Write([]byte(summarizeSchema))
		case strings.HasSuffix(r.URL.Path, "/schema"):
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestDirectoryAgents(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	d := NewDirectoryClient(srv.URL, true)
	agents, err := d.Agents(context.Background(), "cap.summarize.v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0].DID != "did:noot:alpha" {
		t.Fatalf("agents = %v", agents)
	}
}

func TestValidateResultAgainstSchema(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	d := NewDirectoryClient(srv.URL, true)
	ctx := context.Background()

	if err := d.ValidateResult(ctx, "cap.summarize.v1", json.RawMessage(`{"summary":"ok"}`)); err != nil {
		t.Fatalf("conforming result rejected: %v", err)
	}
	err := d.ValidateResult(ctx, "cap.summarize.v1", json.RawMessage(`{"wrong":1}`))
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("nonconforming result: want ErrSchemaInvalid, got %v", err)
	}
	// Capabilities without a published schema accept anything.
	if err := d.ValidateResult(ctx, "cap.untyped.v1", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("schema-less capability rejected result: %v", err)
	}
}

func TestValidateResultFailOpenOnOutage(t *testing.T) {
	srv := newDirectoryServer(t)
	srv.Close() // directory is down

	open := NewDirectoryClient(srv.URL, true)
	if err := open.ValidateResult(context.Background(), "cap.summarize.v1", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("fail-open should pass the result through: %v", err)
	}

	closed := NewDirectoryClient(srv.URL, false)
	err := closed.ValidateResult(context.Background(), "cap.summarize.v1", json.RawMessage(`{"x":1}`))
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("fail-closed outage: want ErrSchemaInvalid, got %v", err)
	}
}

func TestValidateResultSchemaCached(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(summarizeSchema))
	}))
	defer srv.Close()

	d := NewDirectoryClient(srv.URL, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := d.ValidateResult(ctx, "cap.summarize.v1", json.RawMessage(`{"summary":"s"}`)); err != nil {
			t.Fatal(err)
		}
	}
	if hits != 1 {
		t.Fatalf("schema fetched %d times, want 1 (cached)", hits)
	}
}
