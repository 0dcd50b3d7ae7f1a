// ABOUTME: Multipart media upload endpoint for customer attachments
// ABOUTME: Stores the file in object storage and returns a media_ref for a later message

package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/hearth/internal/media"
)

// multipartOverhead leaves room for form fields around the file part.
const multipartOverhead = 1 << 20

// UploadResponse is the JSON response for POST /api/uploads.
type UploadResponse struct {
	MediaRef    string `json:"media_ref"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// handleUpload handles POST /api/uploads (multipart/form-data).
// Fields: tenant_id, session_token, optional conversation_id, file.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if g.media == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "uploads are not enabled")
		return
	}

	limit := g.media.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	ctx := r.Context()
	tenantID := r.FormValue("tenant_id")
	cust, ok := g.requireCustomer(ctx, w, tenantID, r.FormValue("session_token"))
	if !ok {
		return
	}

	convID := r.FormValue("conversation_id")
	if convID != "" {
		conv, err := g.conversation.GetConversation(ctx, tenantID, convID)
		if err != nil || conv.CustomerID != cust.ID {
			g.sendJSONError(w, http.StatusNotFound, "not found")
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading file")
		return
	}

	obj, err := g.media.Upload(ctx, tenantID, convID, data, header.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, media.ErrTooLarge):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", limit))
		return
	case errors.Is(err, media.ErrUnsupportedType):
		g.sendJSONError(w, http.StatusUnsupportedMediaType, "unsupported file type")
		return
	case err != nil:
		g.logger.Error("uploading media", "tenant_id", tenantID, "customer_id", cust.ID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "upload failed")
		return
	}

	g.logger.Info("media uploaded", "tenant_id", tenantID, "customer_id", cust.ID, "size", obj.Size, "content_type", obj.ContentType)
	g.sendJSON(w, http.StatusOK, UploadResponse{
		MediaRef:    obj.Ref,
		URL:         obj.URL,
		ContentType: obj.ContentType,
		Size:        obj.Size,
	})
}
