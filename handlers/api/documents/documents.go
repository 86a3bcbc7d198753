package documents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/document"
)

type (
	DocumentResponse struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}

	UpdateDocumentRequest struct {
		Path        string `json:"path"`
		ContentType string `json:"content_type"`
		FileFormat  string `json:"file_format"`
		Content     string `json:"content"`
	}

	Facade interface {
		GetDocument(ctx context.Context, path, contentType, fileFormat string, copy bool) (*document.Document, error)
		EditDocument(ctx context.Context, path, contentType, fileFormat string, edit func(doc *document.Document) error) error
	}
)

// HandleGetDocument returns the current content of a live shared document.
// The document is forked before reading, so a slow response can never stall
// or observe a half-applied merge.
func HandleGetDocument(facade Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}
		contentType := r.URL.Query().Get("type")
		if contentType == "" {
			contentType = core.ContentTypeFile
		}
		fileFormat := r.URL.Query().Get("format")
		if fileFormat == "" {
			fileFormat = core.FormatText
		}

		doc, err := facade.GetDocument(r.Context(), path, contentType, fileFormat, true)
		if err != nil {
			if errors.Is(err, core.ErrRoomNotFound) {
				http.Error(w, "No live session for this document", http.StatusNotFound)
				return
			}
			logrus.WithFields(logrus.Fields{"path": path, "error": err}).Error("Failed to fork document")
			http.Error(w, "Failed to read document", http.StatusInternalServerError)
			return
		}
		content, err := doc.Text()
		if err != nil {
			logrus.WithFields(logrus.Fields{"path": path, "error": err}).Error("Failed to read document text")
			http.Error(w, "Failed to read document", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, DocumentResponse{Path: path, Content: content})
	}
}

// HandleUpdateDocument overwrites a live shared document. The edit goes
// through the room like any collaborator's, so connected clients see it as
// an incremental change, not a reload.
func HandleUpdateDocument(facade Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Path == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}
		if req.ContentType == "" {
			req.ContentType = core.ContentTypeFile
		}
		if req.FileFormat == "" {
			req.FileFormat = core.FormatText
		}

		err := facade.EditDocument(r.Context(), req.Path, req.ContentType, req.FileFormat, func(doc *document.Document) error {
			return doc.SetText(req.Content)
		})
		if err != nil {
			if errors.Is(err, core.ErrRoomNotFound) || errors.Is(err, core.ErrRoomClosed) {
				http.Error(w, "No live session for this document", http.StatusNotFound)
				return
			}
			logrus.WithFields(logrus.Fields{"path": req.Path, "error": err}).Error("Failed to edit document")
			http.Error(w, "Failed to edit document", http.StatusInternalServerError)
			return
		}
		render.NoContent(w, r)
	}
}
