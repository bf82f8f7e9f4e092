package llm

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askbase/config"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		AnswerModel: "test-model",
		Timeout:     5 * time.Second,
		MaxRetries:  1,
	}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGenerateSendsChatRequest(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"hello [1]"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "test-model", quietLogger())
	out, err := c.Generate(context.Background(), "say hello", 256, nil)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if out != "hello [1]" {
		t.Fatalf("out = %q", out)
	}
	if captured.Model != "test-model" || captured.MaxTokens != 256 {
		t.Fatalf("request fields wrong: %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Fatalf("messages wrong: %+v", captured.Messages)
	}
}

func TestGenerateRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "", quietLogger())
	out, err := c.Generate(context.Background(), "q", 0, nil)
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if out != "recovered" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":{"message":"model not found"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "", quietLogger())
	_, err := c.Generate(context.Background(), "q", 0, nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestGenerateAttachesImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:image/png;base64,") {
			t.Errorf("image payload missing: %s", body)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"seen"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), "", quietLogger())
	if _, err := c.Generate(context.Background(), "describe", 0, []byte{0x89, 0x50}); err != nil {
		t.Fatalf("generate with image failed: %v", err)
	}
}
