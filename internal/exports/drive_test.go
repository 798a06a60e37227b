package exports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/models"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type fakeDriveServer struct {
	*httptest.Server
	existing   map[string]string
	uploads    int
	shares     map[string][]string
	failShares bool
}

func newFakeDriveServer(t *testing.T) *fakeDriveServer {
	t.Helper()
	f := &fakeDriveServer{
		existing: map[string]string{},
		shares:   map[string][]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		var files []*drive.File
		for name, id := range f.existing {
			if strings.Contains(q, fmt.Sprintf("name = '%s'", name)) {
				files = append(files, &drive.File{Id: id, Name: name})
			}
		}
		json.NewEncoder(w).Encode(&drive.FileList{Files: files})
	})
	createFiles := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uploadType") == "" {
			// Folder creation carries a plain JSON body
			var folder drive.File
			json.NewDecoder(r.Body).Decode(&folder)
			json.NewEncoder(w).Encode(&drive.File{Id: "folder-" + folder.Name, Name: folder.Name})
			return
		}
		f.uploads++
		json.NewEncoder(w).Encode(&drive.File{Id: "file-123"})
	}
	mux.HandleFunc("POST /files", createFiles)
	mux.HandleFunc("POST /upload/drive/v3/files", createFiles)
	mux.HandleFunc("POST /files/{fileID}/permissions", func(w http.ResponseWriter, r *http.Request) {
		if f.failShares {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var perm drive.Permission
		json.NewDecoder(r.Body).Decode(&perm)
		fileID := r.PathValue("fileID")
		f.shares[fileID] = append(f.shares[fileID], perm.EmailAddress)
		json.NewEncoder(w).Encode(&drive.Permission{Id: "perm-1"})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newDriveHandler(t *testing.T, server *fakeDriveServer, config map[string]any) *DriveHandler {
	t.Helper()
	if config == nil {
		config = map[string]any{}
	}
	config["credentials_json"] = "{}"
	if _, ok := config["path_template"]; !ok {
		config["path_template"] = "{source}_{invoice_id}.pdf"
	}
	if _, ok := config["create_folders"]; !ok {
		config["create_folders"] = false
	}
	h, err := NewDriveHandler(arbor.NewLogger(), &models.Export{
		Type:          models.ExportTypeGoogleDrive,
		Configuration: config,
	})
	require.NoError(t, err)

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication())
	require.NoError(t, err)
	h.service = svc
	return h
}

func driveInvoice(t *testing.T) *models.Invoice {
	t.Helper()
	return &models.Invoice{
		Date:      "2025-03-15",
		InvoiceID: "INV-001",
		Source:    "Free",
		FilePath:  writeTestPDF(t, t.TempDir()),
	}
}

func TestDriveHandler_UploadsAndShares(t *testing.T) {
	server := newFakeDriveServer(t)
	h := newDriveHandler(t, server, map[string]any{
		"share_with": []any{"alice@example.com", "bob@example.com"},
	})

	invoice := driveInvoice(t)
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, result.Status, result.ErrorMessage)
	assert.Equal(t, "file-123", result.ExternalReference)
	assert.Equal(t, 1, server.uploads)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, server.shares["file-123"])
}

func TestDriveHandler_ShareFailureKeepsExportSuccessful(t *testing.T) {
	server := newFakeDriveServer(t)
	server.failShares = true
	h := newDriveHandler(t, server, map[string]any{
		"share_with": []any{"alice@example.com"},
	})

	invoice := driveInvoice(t)
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, result.Status, result.ErrorMessage)
	assert.Equal(t, "file-123", result.ExternalReference)
	assert.Empty(t, server.shares)
}

func TestDriveHandler_DuplicateGuard(t *testing.T) {
	server := newFakeDriveServer(t)
	server.existing["Free_INV-001.pdf"] = "file-existing"
	h := newDriveHandler(t, server, map[string]any{
		"share_with": []any{"alice@example.com"},
	})

	invoice := driveInvoice(t)
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusDuplicateSkipped, result.Status)
	assert.Empty(t, result.ExternalReference)
	assert.Equal(t, "file already present in destination folder", result.ErrorMessage)
	assert.Zero(t, server.uploads)
	assert.Empty(t, server.shares)
}
