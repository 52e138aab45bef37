package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func newAuthMiddleware(tokens []string) MiddlewareFunc {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) != 0 {
				token := r.Header.Get("Authorization")
				token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
				if token == "" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				if _, ok := tokenSet[token]; !ok {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("<%s> %s %s", prefix, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ===== MCP endpoint =====

// newMCPHandler serves the single JSON-RPC endpoint. Notifications get 204
// with an empty body; oversized or unparseable bodies are rejected before
// dispatch.
func newMCPHandler(conf *GatewayConfig, backend toolDispatcher, maxBodyBytes int64) http.HandlerFunc {
	handler := newMessageHandler(conf, backend)
	return func(w http.ResponseWriter, r *http.Request) {
		// echo the client's version when it is one we support; an unknown
		// version falls back the same way initialize negotiation does
		version := supportedProtocolVersions[0]
		if offered := r.Header.Get("MCP-Protocol-Version"); offered != "" {
			if negotiated, err := negotiateProtocolVersion(offered); err == nil {
				version = negotiated
			}
		}
		w.Header().Set("MCP-Protocol-Version", version)
		switch r.Method {
		case http.MethodPost:
		case http.MethodOptions:
			w.Header().Set("Allow", "POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		default:
			w.Header().Set("Allow", "POST, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		_ = r.Body.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				// rejected on size alone, before any parse attempt
				writeJSON(w, http.StatusBadRequest,
					rpcError(uuid.New().String(), mcp.INVALID_REQUEST, "Payload exceeds size limit"))
				return
			}
			writeJSON(w, http.StatusBadRequest,
				rpcError(uuid.New().String(), mcp.PARSE_ERROR, "Unreadable body"))
			return
		}
		if len(body) == 0 || !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest,
				rpcError(uuid.New().String(), mcp.PARSE_ERROR, "Malformed JSON"))
			return
		}

		if body[0] == '[' {
			var batch []jsonrpcRequest
			if err := json.Unmarshal(body, &batch); err != nil {
				writeJSON(w, http.StatusBadRequest,
					rpcError(uuid.New().String(), mcp.PARSE_ERROR, "Malformed batch"))
				return
			}
			out := make([]*jsonrpcResponse, 0, len(batch))
			for i := range batch {
				out = append(out, rpcError(batch[i].ID, mcp.METHOD_NOT_FOUND, "Batch not supported"))
			}
			writeJSON(w, http.StatusOK, out)
			return
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest,
				rpcError(uuid.New().String(), mcp.PARSE_ERROR, "Malformed JSON"))
			return
		}

		resp := handler.handle(r.Context(), &req)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status := http.StatusOK
		if resp.Error != nil && resp.Error.Code == mcp.INVALID_REQUEST {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, resp)
	}
}

// ===== admin endpoints =====

func newAdminHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/backends", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"backends": gw.GetConnectionStatus()})
	})

	mux.HandleFunc("POST /admin/backends/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var conf BackendConfig
		if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		status, err := gw.AddBackend(name, &conf)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "backend": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backend": status})
	})

	mux.HandleFunc("PUT /admin/backends/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var conf BackendConfig
		if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		status, err := gw.UpdateBackend(name, &conf)
		if err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, ErrUnknownService) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]any{"error": err.Error(), "backend": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backend": status})
	})

	mux.HandleFunc("DELETE /admin/backends/{name}", func(w http.ResponseWriter, r *http.Request) {
		status, err := gw.RemoveBackend(r.PathValue("name"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "backend": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backend": status})
	})

	mux.HandleFunc("POST /admin/backends/{name}/connect", func(w http.ResponseWriter, r *http.Request) {
		status, err := gw.ConnectBackend(r.PathValue("name"))
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownService) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]any{"error": err.Error(), "backend": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backend": status})
	})

	mux.HandleFunc("POST /admin/backends/{name}/disconnect", func(w http.ResponseWriter, r *http.Request) {
		status, err := gw.DisconnectBackend(r.PathValue("name"))
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownService) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]any{"error": err.Error(), "backend": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backend": status})
	})

	mux.HandleFunc("GET /admin/retries", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.RetryStats())
	})

	return mux
}

// ===== main HTTP server =====

func startHTTPServer(config *Config, gw *Gateway) error {
	gwConfig := config.McpGateway

	httpMux := http.NewServeMux()
	httpMux.Handle("/mcp", newMCPHandler(gwConfig, gw, gwConfig.MaxBodyBytes))
	httpMux.Handle("/admin/", newAdminHandler(gw))
	httpMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"backends": gw.GetConnectionStatus()})
	})

	mws := []MiddlewareFunc{recoverMiddleware("gateway")}
	if gwConfig.Options != nil && gwConfig.Options.LogEnabled.OrElse(false) {
		mws = append(mws, loggerMiddleware("gateway"))
	}
	if len(gwConfig.AuthTokens) > 0 {
		mws = append(mws, newAuthMiddleware(gwConfig.AuthTokens))
	}

	httpServer := &http.Server{
		Addr:    gwConfig.Addr,
		Handler: chainMiddleware(httpMux, mws...),
	}

	go func() {
		log.Printf("Gateway listening on %s", gwConfig.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	gw.Shutdown()
	return nil
}
