package httpadapter

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	multipartMemory  = 4 << 20
	multipartOverrun = 1 << 20
)

func (rt *Router) createSession(w http.ResponseWriter, _ *http.Request) {
	id, err := rt.sessions.Create()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (rt *Router) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := rt.sessions.Close(r.PathValue("session_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitDiagnosis starts a run from a multipart upload. With ?wait=true it answers
// with the terminal snapshot, otherwise 202 with the run token.
func (rt *Router) submitDiagnosis(w http.ResponseWriter, r *http.Request) {
	pipeline, err := rt.sessions.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err = strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query parameter 'wait' must be a boolean"})
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(rt.cfg.MaxImageBytes)+multipartOverrun)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form with 'plant_name', 'moisture_level' and 'image' is required"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	image, err := readImageField(r, rt.cfg.MaxImageBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	runID, err := pipeline.Submit(r.Context(), domain.DiagnosisInput{
		PlantName:     r.FormValue("plant_name"),
		MoistureLevel: r.FormValue("moisture_level"),
		Image:         image,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id": runID,
			"state":  pipeline.Snapshot().State,
		})
		return
	}

	snap, err := pipeline.Wait(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// readImageField reads at most limit+1 bytes so an oversized upload still reaches
// the decoder, which owns the size rule. A missing field yields an empty image.
func readImageField(r *http.Request, limit int) ([]byte, error) {
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read image field", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, int64(limit)+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read image field", fmt.Errorf("read upload: %w", err))
	}
	return data, nil
}

func (rt *Router) getDiagnosis(w http.ResponseWriter, r *http.Request) {
	pipeline, err := rt.sessions.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.Snapshot())
}

func (rt *Router) dismissDiagnosis(w http.ResponseWriter, r *http.Request) {
	pipeline, err := rt.sessions.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	pipeline.Dismiss()
	writeJSON(w, http.StatusOK, pipeline.Snapshot())
}
