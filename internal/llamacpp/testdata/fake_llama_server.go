package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const runeOffset = 16

func encode(s string) []int {
	var ids []int
	for _, r := range s {
		ids = append(ids, int(r)+runeOffset)
	}
	return ids
}

func main() {
	var model, mmproj, host, port, ngl, ctk, ctv, ctx, threads string
	// Accept the subset of llama-server flags used by the pool
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&mmproj, "mmproj", "", "projector path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&ngl, "ngl", "0", "gpu layers")
	flag.StringVar(&ctk, "cache-type-k", "f16", "k cache type")
	flag.StringVar(&ctv, "cache-type-v", "f16", "v cache type")
	flag.StringVar(&ctx, "c", "0", "context")
	flag.StringVar(&threads, "t", "0", "threads")
	flag.Parse()
	if os.Getenv("FAKE_LLAMA_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "failed to load model")
		os.Exit(3)
	}

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"object": "list", "data": []map[string]any{{"id": "fake", "object": "model"}}})
	})
	mux.HandleFunc("/args", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"m": model, "mmproj": mmproj, "ngl": ngl, "cache-type-k": ctk, "cache-type-v": ctv})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content    string `json:"content"`
			AddSpecial bool   `json:"add_special"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids := []int{}
		if req.AddSpecial {
			ids = append(ids, 2)
		}
		writeJSON(w, map[string]any{"tokens": append(ids, encode(req.Content)...)})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tokens []int `json:"tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var sb strings.Builder
		for _, id := range req.Tokens {
			if id >= runeOffset {
				sb.WriteRune(rune(id - runeOffset))
			}
		}
		writeJSON(w, map[string]any{"content": sb.String()})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt struct {
				PromptString   string   `json:"prompt_string"`
				MultimodalData []string `json:"multimodal_data"`
			} `json:"prompt"`
			NPredict int `json:"n_predict"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"error": map[string]any{"message": err.Error()}})
			return
		}
		if len(req.Prompt.MultimodalData) != 1 || !strings.Contains(req.Prompt.PromptString, "<__media__>") {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"error": map[string]any{"message": "missing media"}})
			return
		}
		reply := " NORMAL"
		writeJSON(w, map[string]any{"content": reply, "tokens": append(encode(reply), 1), "stop": true})
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for SIGTERM then shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
