package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/ingest"
	"github.com/knakayama/ledgerscan/internal/record"
)

// maxUploadSize bounds one multipart upload. 50MB accommodates batches of
// high-resolution phone photos.
const maxUploadSize = int64(50 << 20)

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the pipeline error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRender):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrResource):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// handleUploadRecords ingests a multipart batch of files. The "mode" form
// field selects merge (default) or split grouping for multi-page documents.
func (s *Server) handleUploadRecords(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			msg = "Upload is too large. Maximum size is 50MB."
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	mode, err := ingest.ParseMode(r.FormValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "No files were selected. Please choose at least one file.")
		return
	}

	files := make([]ingest.InputFile, 0, len(fileHeaders))
	for _, header := range fileHeaders {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "file", header.Filename, "error", err)
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading uploaded file", "file", header.Filename, "error", err)
			continue
		}
		files = append(files, ingest.InputFile{
			Name:        header.Filename,
			Data:        data,
			ContentType: header.Header.Get("Content-Type"),
		})
	}

	records, failed := s.ingestor.Ingest(r.Context(), files, mode)
	for _, rec := range records {
		s.service.Collection().Add(rec)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"records": records,
		"failed":  failed,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Collection().List())
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.Collection().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Collection().Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordThumbnail serves the cached preview for a record, falling
// back to the tracked thumbnail handle after a cache restore.
func (s *Server) handleRecordThumbnail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	thumb, ok := s.cache.Get(id)
	if !ok {
		rec, found := s.service.Collection().Get(id)
		if !found || rec.Thumbnail == "" {
			writeError(w, http.StatusNotFound, "Thumbnail not found")
			return
		}
		if thumb, ok = s.tracker.Bytes(rec.Thumbnail); !ok {
			writeError(w, http.StatusNotFound, "Thumbnail not found")
			return
		}
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(thumb)
}

func (s *Server) handleRecordFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.Collection().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	pdf, ok := s.tracker.Bytes(rec.SourceDocument)
	if !ok {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Write(pdf)
}

func (s *Server) handleMergeRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordIDs []string `json:"record_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	merged, err := s.service.Collection().Merge(req.RecordIDs)
	if err != nil {
		slog.Error("Error merging records", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, merged)
}

func (s *Server) handleSplitRecord(w http.ResponseWriter, r *http.Request) {
	children, err := s.service.Collection().Split(r.PathValue("id"))
	if err != nil {
		slog.Error("Error splitting record", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, children)
}

// handleExtractRecords runs the extraction pipeline over the given records,
// or over every record still awaiting extraction when none are named.
func (s *Server) handleExtractRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordIDs []string `json:"record_ids"`
	}
	if r.Body != nil {
		// An empty body means "everything pending".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var ids []string
	if len(req.RecordIDs) > 0 {
		for _, id := range req.RecordIDs {
			if _, ok := s.service.Collection().Get(id); !ok {
				writeError(w, http.StatusNotFound, "Record not found: "+id)
				return
			}
			ids = append(ids, id)
		}
	} else {
		for _, rec := range s.service.Collection().List() {
			if rec.State == record.StateIngested || rec.State == record.StateThumbnailed {
				ids = append(ids, rec.ID)
			}
		}
	}

	result := s.pipeline.ProcessBatch(r.Context(), ids, s.groupSize, nil)

	recs := make([]record.DocumentRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.service.Collection().Get(id); ok {
			recs = append(recs, rec)
		}
	}

	failures := make(map[string]string, len(result.Errors))
	for id, err := range result.Errors {
		failures[id] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"failures":  failures,
		"records":   recs,
	})
}

func (s *Server) handleExportRecord(w http.ResponseWriter, r *http.Request) {
	exported, err := s.service.Export(r.PathValue("id"))
	if err != nil {
		slog.Error("Error exporting record", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, exported)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.service.Collection().Clear()
	s.tracker.ReleaseAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExported(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListExported()
	if err != nil {
		slog.Error("Error listing exported records", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleExportedFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ExportedFile(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Write(data)
}

func (s *Server) handleDeleteExported(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExported(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
