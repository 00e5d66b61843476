package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// maxResponseBytes bounds how much of a response body the node reads
const maxResponseBytes = 1 << 20

// HTTPRequest calls an external endpoint. 5xx responses and transport
// errors are retryable; 4xx responses are not. Authorization comes from
// a credential ref in the node config, never from literal config values.
type HTTPRequest struct {
	Client *http.Client
}

func (*HTTPRequest) Name() string { return "http_request" }

func (*HTTPRequest) Fields() []registry.Field {
	return []registry.Field{
		{Name: "url", Type: registry.FieldString, Required: true},
		{Name: "method", Type: registry.FieldSelect, Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
		{Name: "headers", Type: registry.FieldJSON},
		{Name: "body", Type: registry.FieldJSON},
		{Name: "credential", Type: registry.FieldSecretRef, Secret: true},
	}
}

func (*HTTPRequest) Credentials() []string {
	return []string{"api_key", "bearer_token", "basic_auth"}
}

func (*HTTPRequest) Outputs() []string { return []string{registry.HandleDefault} }

func (h *HTTPRequest) Execute(ctx context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	url := stringField(in.Config, "url", "")
	method := stringField(in.Config, "method", http.MethodGet)

	var body io.Reader
	if raw, ok := in.Config["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return registry.NodeResult{}, dataError(fmt.Sprintf("http_request: encode body: %v", err))
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("http_request: build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapField(in.Config, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	if ref := stringField(in.Config, "credential", ""); ref != "" {
		applyAuth(req, in.Ctx.Credential(ref))
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return registry.NodeResult{}, ctx.Err()
		}
		return registry.NodeResult{}, &registry.NodeError{
			Kind:      registry.ErrKindHandler,
			Message:   fmt.Sprintf("http_request: %v", err),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return registry.NodeResult{}, &registry.NodeError{
			Kind:      registry.ErrKindHandler,
			Message:   fmt.Sprintf("http_request: read response: %v", err),
			Retryable: true,
		}
	}

	if resp.StatusCode >= 400 {
		return registry.NodeResult{}, &registry.NodeError{
			Kind:      registry.ErrKindHandler,
			Message:   fmt.Sprintf("http_request: %s returned %d", url, resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}
	}

	data := map[string]interface{}{"status": resp.StatusCode}
	var decoded interface{}
	if json.Unmarshal(raw, &decoded) == nil {
		data["body"] = decoded
	} else {
		data["body"] = string(raw)
	}
	return registry.NodeResult{Data: data}, nil
}

func applyAuth(req *http.Request, cred registry.Credential) {
	switch cred.Type {
	case "bearer_token":
		req.Header.Set("Authorization", "Bearer "+cred.Data["token"])
	case "basic_auth":
		req.SetBasicAuth(cred.Data["username"], cred.Data["password"])
	case "api_key":
		header := cred.Data["header"]
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cred.Data["key"])
	}
}
