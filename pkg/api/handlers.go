package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/multipart"
	"github.com/dkarpele/geocdn/pkg/placement"
	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// Handler translates HTTP requests into placement and upload engine
// calls.
type Handler struct {
	placement   *placement.Engine
	uploads     *multipart.Engine
	registry    *registry.Registry
	transfer    s3client.Factory
	projectName string
}

// NewHandler creates the route handler set. transfer builds the S3
// client used for ingest uploads to the origin.
func NewHandler(p *placement.Engine, uploads *multipart.Engine, reg *registry.Registry, transfer s3client.Factory, projectName string) *Handler {
	return &Handler{
		placement:   p,
		uploads:     uploads,
		registry:    reg,
		transfer:    transfer,
		projectName: projectName,
	}
}

// Redirect resolves the serving node for the object and answers with a
// temporary redirect to a presigned download URL.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	object := chi.URLParam(r, "object_name")

	res, err := h.placement.Resolve(r.Context(), clientIP(r), object)
	if err != nil {
		h.placementError(w, object, err)
		return
	}

	url, err := res.Client.PresignGet(r.Context(), h.uploads.Bucket(), object)
	if err != nil {
		logger.Error("presign failed", "object", object, "endpoint", res.Node.Endpoint, "error", err)
		text(w, http.StatusInternalServerError, "failed to generate download URL for %q", object)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Status reports the ingest upload state of the object on the origin.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	object := chi.URLParam(r, "object_name")

	rec, endpoint, err := h.placement.Status(r.Context(), object)
	if err != nil {
		h.placementError(w, object, err)
		return
	}

	text(w, http.StatusOK, "'%s' has status '%s' on node '%s'", object, rec.Status, endpoint)
}

// Upload ingests a multipart/form-data file onto the origin node.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		text(w, http.StatusBadRequest, "expected a multipart form with a 'file' field: %v", err)
		return
	}
	defer file.Close()

	object := header.Filename
	contentType := header.Header.Get("Content-Type")

	nodes, err := h.registry.ActiveNodes()
	if err != nil {
		h.placementError(w, object, err)
		return
	}
	origin, err := registry.Origin(nodes)
	if err != nil {
		h.placementError(w, object, err)
		return
	}
	client, err := h.transfer(origin)
	if err != nil {
		logger.Error("origin client failed", "error", err)
		text(w, http.StatusInternalServerError, "upload of %q failed", object)
		return
	}

	src := multipart.NewStreamSource(file, h.uploads.PartSize())
	err = h.uploads.Upload(r.Context(), client, origin.URL(), object, contentType,
		header.Size, src, multipart.CollectionAPI, multipart.StatusInProgress)
	switch {
	case errors.Is(err, multipart.ErrAlreadyUploaded):
		text(w, http.StatusBadRequest,
			"'%s' was already uploaded. Delete it before uploading again.", object)
	case err != nil:
		logger.Error("upload failed", "object", object, "error", err)
		text(w, http.StatusInternalServerError, "upload of %q failed", object)
	default:
		text(w, http.StatusOK, "Upload %s completed successfully.", object)
	}
}

// Delete removes the object from every node holding it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	object := r.URL.Query().Get("object_name")
	if object == "" {
		text(w, http.StatusBadRequest, "query parameter 'object_name' is required")
		return
	}

	endpoints, err := h.placement.Delete(r.Context(), object)
	if err != nil {
		h.placementError(w, object, err)
		return
	}

	text(w, http.StatusOK, "%s was removed from nodes [%s]", object, strings.Join(endpoints, ", "))
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	text(w, http.StatusOK, "%s is healthy", h.projectName)
}

// placementError maps core errors onto HTTP statuses.
func (h *Handler) placementError(w http.ResponseWriter, object string, err error) {
	switch {
	case errors.Is(err, placement.ErrObjectNotFound):
		text(w, http.StatusNotFound, "'%s' not found", object)
	case errors.Is(err, registry.ErrLocationsUnavailable):
		logger.Error("no active locations", "error", err)
		text(w, http.StatusServiceUnavailable, "all S3 locations are not available")
	default:
		logger.Error("request failed", "object", object, "error", err)
		text(w, http.StatusInternalServerError, "internal error")
	}
}

// text writes a plain-text response body.
func text(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

// clientIP extracts the client address without the port. RealIP
// middleware has already rewritten RemoteAddr from the forwarding
// headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
