package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orderdesk/posgate/pkg/models"
)

func TestOpenAIClientComplete(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"items\":[]}"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("sk-test", "gpt-4o-mini", 5*time.Second, WithBaseURL(server.URL))
	reply, err := client.Complete(context.Background(), "normalize this")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != `{"items":[]}` {
		t.Errorf("reply = %q", reply)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if gotBody.Temperature != 0 || gotBody.MaxTokens != completionTokens {
		t.Errorf("temperature/max_tokens = %v/%d", gotBody.Temperature, gotBody.MaxTokens)
	}
	if gotBody.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %q, want json_object", gotBody.ResponseFormat.Type)
	}
}

func TestOpenAIClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewOpenAIClient("sk-test", "gpt-4o-mini", 20*time.Millisecond, WithBaseURL(server.URL))
	_, err := client.Complete(context.Background(), "normalize this")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("sk-test", "gpt-4o-mini", time.Second, WithBaseURL(server.URL))
	_, err := client.Complete(context.Background(), "normalize this")
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("API error must not be a timeout")
	}
}

func TestBuildRuntime(t *testing.T) {
	cases := []struct {
		name        string
		cfg         models.LLMConfig
		apiKey      string
		wantEnabled bool
		wantReason  string
	}{
		{"auto with key", models.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", TimeoutS: 15}, "sk-x", true, ReasonReady},
		{"auto without key", models.LLMConfig{Provider: "openai"}, "", false, ReasonMissingAPIKey},
		{"explicitly disabled", models.LLMConfig{Provider: "openai", Enabled: models.Ptr(false)}, "sk-x", false, ReasonDisabled},
		{"unsupported provider", models.LLMConfig{Provider: "anthropic"}, "sk-x", false, ReasonUnsupportedProvider},
		{"enabled without key", models.LLMConfig{Provider: "openai", Enabled: models.Ptr(true)}, "", false, ReasonMissingAPIKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runtime := BuildRuntime(tc.cfg, tc.apiKey, "")
			if runtime.Enabled != tc.wantEnabled {
				t.Errorf("enabled = %v, want %v", runtime.Enabled, tc.wantEnabled)
			}
			if runtime.Reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", runtime.Reason, tc.wantReason)
			}
			if tc.wantEnabled && runtime.Client == nil {
				t.Error("enabled runtime must carry a client")
			}
		})
	}
}
