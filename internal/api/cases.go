package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/storage"
)

const (
	maxJSONBodySize   = 1 << 20 // 1MB
	multipartMemory   = 32 << 20
	multipartOverhead = 1 << 20
)

type transcriptRequest struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

func handleCreateCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Cases.Create(r.Context())
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleListCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cases, err := deps.Cases.List(r.Context())
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, cases)
	}
}

func handleGetCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Cases.Get(r.Context(), chi.URLParam(r, "caseID"))
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleDeleteCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Cases.Delete(r.Context(), chi.URLParam(r, "caseID")); err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleUploadFiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		if err := pipeline.ValidateID("case", caseID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}

		limit := deps.Cases.MaxFileBytes()
		form, err := parseMultipart(w, r, limit*pipeline.MaxFilesPerUpload+multipartOverhead)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		defer form.RemoveAll()

		headers := form.File["files"]
		if len(headers) > pipeline.MaxFilesPerUpload {
			writeError(w, deps.logger(), fmt.Errorf("%w: at most %d files per upload", pipeline.ErrValidation, pipeline.MaxFilesPerUpload))
			return
		}
		uploads := make([]pipeline.Upload, 0, len(headers))
		for _, h := range headers {
			u, err := readPart(h, limit)
			if err != nil {
				writeError(w, deps.logger(), err)
				return
			}
			uploads = append(uploads, u)
		}

		files, err := deps.Cases.AddFiles(r.Context(), caseID, uploads)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, files)
	}
}

func handleAddTranscript(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var req transcriptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := deps.Cases.AddTranscript(r.Context(), chi.URLParam(r, "caseID"), req.Source, req.Content)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleAddVoice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		if err := pipeline.ValidateID("case", caseID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}

		limit := deps.Cases.MaxFileBytes()
		form, err := parseMultipart(w, r, limit+multipartOverhead)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		defer form.RemoveAll()

		headers := form.File["audio"]
		if len(headers) == 0 {
			writeError(w, deps.logger(), fmt.Errorf("%w: no audio uploaded", pipeline.ErrValidation))
			return
		}
		u, err := readPart(headers[0], limit)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}

		t, err := deps.Cases.AddVoice(r.Context(), caseID, u)
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleProcessFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "fileID")
		if err := pipeline.ValidateID("file", fileID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		if err := deps.Extractor.Process(r.Context(), fileID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"file_id": fileID, "status": string(storage.FileReady)})
	}
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		if err := pipeline.ValidateID("case", caseID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		res, err := deps.Analyzer.Analyze(r.Context(), caseID)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; the analysis carries on without it.
				return
			}
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleResults(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Cases.Results(r.Context(), chi.URLParam(r, "caseID"))
		if err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func parseMultipart(w http.ResponseWriter, r *http.Request, limit int64) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: request body exceeds %d MB", pipeline.ErrTooLarge, limit>>20)
		}
		return nil, fmt.Errorf("%w: invalid multipart body", pipeline.ErrValidation)
	}
	return r.MultipartForm, nil
}

func readPart(h *multipart.FileHeader, limit int64) (pipeline.Upload, error) {
	if h.Size > limit {
		return pipeline.Upload{}, fmt.Errorf("%w: %s exceeds %d MB", pipeline.ErrTooLarge, h.Filename, limit>>20)
	}
	f, err := h.Open()
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("%w: unreadable part %s", pipeline.ErrValidation, h.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("%w: unreadable part %s", pipeline.ErrValidation, h.Filename)
	}
	return pipeline.Upload{
		Filename:  h.Filename,
		MediaType: h.Header.Get("Content-Type"),
		Data:      data,
	}, nil
}
