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
	"io"
	"net/http"
	"os"
	"strings"
)

// AdapterKind names how an agent endpoint wants to be driven. Most agents are
// native webhooks that take a signed delivery and call back later; hosted
// model endpoints are recognized by URL shape and driven synchronously.
type AdapterKind string

const (
	AdapterWebhook     AdapterKind = "webhook"
	AdapterHuggingFace AdapterKind = "huggingface"
	AdapterOpenAI      AdapterKind = "openai"
	AdapterReplicate   AdapterKind = "replicate"
	AdapterGradio      AdapterKind = "gradio"
)

// DetectAdapter classifies an endpoint URL by shape.
func DetectAdapter(endpoint string) AdapterKind {
	u := strings.ToLower(endpoint)
	switch {
	case strings.Contains(u, "huggingface.co") || strings.Contains(u, "hf.space"):
		return AdapterHuggingFace
	case strings.Contains(u, "api.openai.com") || strings.Contains(u, "unturf.com") ||
		strings.Contains(u, "together.xyz") || strings.Contains(u, "localhost:11434") ||
		strings.HasSuffix(strings.TrimRight(u, "/"), "/v1"):
		return AdapterOpenAI
	case strings.Contains(u, "replicate.com"):
		return AdapterReplicate
	case strings.Contains(u, "gradio"):
		return AdapterGradio
	default:
		return AdapterWebhook
	}
}

// callAdapter drives a provider endpoint synchronously and returns the result
// document the node will record.
func callAdapter(ctx context.Context, client *http.Client, kind AdapterKind, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Input  string `json:"input"`
		Prompt string `json:"prompt"`
		Text   string `json:"text"`
	}
	_ = json.Unmarshal(payload, &input)
	prompt := input.Input
	if prompt == "" {
		prompt = input.Prompt
	}
	if prompt == "" {
		prompt = input.Text
	}

	var body any
	headers := map[string]string{"Content-Type": "application/json"}
	url := endpoint

	switch kind {
	case AdapterHuggingFace:
		body = map[string]any{"inputs": prompt}
		if token := os.Getenv("HF_TOKEN"); token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case AdapterOpenAI:
		if !strings.Contains(url, "/chat/completions") {
			url = strings.TrimRight(url, "/") + "/chat/completions"
		}
		body = map[string]any{
			"model":    getEnv("ADAPTER_OPENAI_MODEL", "gpt-4o-mini"),
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		}
		if token := os.Getenv("OPENAI_API_KEY"); token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case AdapterReplicate:
		body = map[string]any{"input": map[string]string{"prompt": prompt}}
		if token := os.Getenv("REPLICATE_API_TOKEN"); token != "" {
			headers["Authorization"] = "Token " + token
		}
	case AdapterGradio:
		body = map[string]any{"data": []string{prompt}}
	default:
		return nil, fmt.Errorf("adapter %s is not synchronous", kind)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("adapter %s returned %d: %s", kind, resp.StatusCode, truncate(string(respBody), 200))
	}
	if !json.Valid(respBody) {
		quoted, _ := json.Marshal(string(respBody))
		respBody = []byte(fmt.Sprintf(`{"output":%s}`, quoted))
	}
	return json.RawMessage(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
