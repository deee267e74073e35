// Package handlers is the thin HTTP glue over the search index. All
// query logic lives in internal/search; handlers only parse parameters,
// map errors to status codes, and serialize responses.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/23skdu/longbow-probe/internal/export"
	"github.com/23skdu/longbow-probe/internal/search"
)

const DefaultNResults = 20

type errorResponse struct {
	Error string `json:"error"`
}

type resultJSON struct {
	File       string    `json:"file"`
	Score      float32   `json:"score"`
	Activation []float32 `json:"activation"`
}

type topFilesResponse struct {
	Results    []resultJSON       `json:"results"`
	PerFileMax map[string]float32 `json:"per_file_max,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeQueryError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case search.ErrNotReady:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case search.ErrFeatureIndex, search.ErrThresholdWindow:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// parseQueryParams reads the original query surface: neuron_idx,
// n_files, max_val, min_val, absolute_magnitude, per_file.
func parseQueryParams(r *http.Request) (search.QueryParams, error) {
	q := r.URL.Query()
	p := search.QueryParams{NResults: DefaultNResults}

	idx, err := strconv.Atoi(q.Get("neuron_idx"))
	if err != nil {
		return p, &paramError{name: "neuron_idx", value: q.Get("neuron_idx")}
	}
	p.FeatureIndex = idx

	if v := q.Get("n_files"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, &paramError{name: "n_files", value: v}
		}
		p.NResults = n
	}
	if v := q.Get("max_val"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return p, &paramError{name: "max_val", value: v}
		}
		f32 := float32(f)
		p.MaxThreshold = &f32
	}
	if v := q.Get("min_val"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return p, &paramError{name: "min_val", value: v}
		}
		f32 := float32(f)
		p.MinThreshold = &f32
	}
	if v := q.Get("absolute_magnitude"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, &paramError{name: "absolute_magnitude", value: v}
		}
		p.AbsoluteMagnitude = b
	}
	if v := q.Get("per_file"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, &paramError{name: "per_file", value: v}
		}
		p.IncludePerFileMax = b
	}
	return p, nil
}

type paramError struct {
	name  string
	value string
}

func (e *paramError) Error() string {
	return "invalid query parameter " + e.name + "=" + strconv.Quote(e.value)
}

func StatusHandler(ix *search.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ix.Status())
	}
}

func TopFilesHandler(ix *search.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parseQueryParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		out, err := ix.Query(p)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		resp := topFilesResponse{Results: make([]resultJSON, len(out.Results))}
		for i, res := range out.Results {
			resp.Results[i] = resultJSON{
				File:       res.File,
				Score:      res.Score,
				Activation: res.Activation.Data,
			}
		}
		resp.PerFileMax = out.PerFileMax
		writeJSON(w, http.StatusOK, resp)
	}
}

// ExportHandler runs the same query as /top_files but streams the
// ranked results as Arrow IPC.
func ExportHandler(ix *search.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parseQueryParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		out, err := ix.Query(p)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		if err := export.WriteResults(w, out.Results); err != nil {
			// Headers are gone; nothing to do but log at the middleware.
			return
		}
	}
}

func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
