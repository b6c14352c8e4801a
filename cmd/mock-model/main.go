// Package main implements a mock model server for pipeline wiring tests.
// It serves OpenAI-compatible /chat/completions responses from JSON fixture
// files, routing by the "model" field in the request, so agents can run
// fast, deterministic, and offline.
//
// Usage:
//
//	mock-model -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by model (e.g., "scaffold.json"); the file content
// is returned as the assistant message. Unknown models get a canned reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type server struct {
	fixtures string
	logger   *slog.Logger
	calls    atomic.Int64
}

func (s *server) fixtureFor(model string) string {
	path := filepath.Join(s.fixtures, model+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf(`{"status":"ok","model":%q,"note":"no fixture"}`, model)
	}
	return string(data)
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	n := s.calls.Add(1)
	content := s.fixtureFor(req.Model)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", n),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
	}
	resp.Choices = make([]struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}, 1)
	resp.Choices[0].Message.Role = "assistant"
	resp.Choices[0].Message.Content = content
	resp.Choices[0].FinishReason = "stop"
	for _, m := range req.Messages {
		resp.Usage.PromptTokens += len(strings.Fields(m.Content))
	}
	resp.Usage.CompletionTokens = len(strings.Fields(content))
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	s.logger.Info("served completion", "model", req.Model, "call", n)
}

func main() {
	fixtures := flag.String("fixtures", "fixtures", "directory of fixture files")
	port := flag.Int("port", 11434, "listen port")
	flag.Parse()

	s := &server{fixtures: *fixtures, logger: slog.Default()}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", s.handleChat)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)

	addr := fmt.Sprintf(":%d", *port)
	s.logger.Info("mock model server listening", "addr", addr, "fixtures", *fixtures)
	if err := http.ListenAndServe(addr, mux); err != nil {
		s.logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
