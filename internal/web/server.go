package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"gpslink/internal/link"
)

const maxConnectBody = 4 << 10

type connectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func Handler(ctl Controller, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()
	start := time.Now().UTC()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, snapshot(start, time.Now().UTC(), ctl.Last()))
	})

	mux.HandleFunc("/api/fix", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		u := ctl.Last()
		if u.Fix == nil {
			http.Error(w, "no fix yet", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, u.Fix)
	})

	mux.HandleFunc("/api/connect", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		req, err := decodeConnect(http.MaxBytesReader(w, r.Body, maxConnectBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctl.Connect(req.Host, req.Port)
		writeOK(w)
	})

	mux.HandleFunc("/api/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		ctl.Disconnect()
		writeOK(w)
	})

	mux.HandleFunc("/api/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		// Without a stored endpoint the controller ignores it.
		ctl.Reconnect()
		writeOK(w)
	})

	mux.Handle("/ws", updatesHandler(ctl))

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := snapshot(start, time.Now().UTC(), ctl.Last())
		endpoint := "-"
		if snap.Endpoint != nil {
			endpoint = snap.Endpoint.String()
		}
		fix := "no fix yet"
		if snap.Fix != nil {
			fix = fmt.Sprintf("lat=%.6f lon=%.6f alt_m=%.1f speed_mps=%.2f course_deg=%.1f valid=%t",
				snap.Fix.Latitude, snap.Fix.Longitude, snap.Fix.Altitude, snap.Fix.Speed, snap.Fix.Course, snap.Fix.Valid)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>gpslink</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>gpslink</h1>")
		_, _ = fmt.Fprintf(w, "<p>Live updates on <code>/ws</code>; JSON at <a href=\"/api/status\">/api/status</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>status=%s\nendpoint=%s\nfix=%s\nseq=%d</pre>",
			html.EscapeString(snap.Status), html.EscapeString(endpoint), html.EscapeString(fix), snap.Seq,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// decodeConnect reads exactly one {"host","port"} object. Unknown fields,
// trailing data and an invalid endpoint are rejected.
func decodeConnect(r io.Reader) (connectRequest, error) {
	var req connectRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return connectRequest{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return connectRequest{}, fmt.Errorf("invalid json: trailing data")
	}
	req.Host = strings.TrimSpace(req.Host)
	if err := (link.Endpoint{Host: req.Host, Port: req.Port}).Validate(); err != nil {
		return connectRequest{}, err
	}
	return req, nil
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

func Serve(ctx context.Context, listenAddr string, ctl Controller, logs *LogBuffer) error {
	if ctl == nil {
		return fmt.Errorf("web controller is nil")
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(ctl, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
