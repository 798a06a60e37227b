package exports

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/pathtemplate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveFolderMimeType = "application/vnd.google-apps.folder"

// DriveHandler uploads invoice PDFs into a template-organized Google Drive
// folder tree. The duplicate guard is a same-named file in the destination
// folder. The Drive service is created lazily so a misconfigured export only
// fails when an invoice is actually routed to it.
type DriveHandler struct {
	logger          arbor.ILogger
	credentialsJSON string
	parentFolderID  string
	pathTemplate    string
	createFolders   bool
	shareWith       []string
	service         *drive.Service
}

// NewDriveHandler builds a handler from a GoogleDrive export definition
func NewDriveHandler(logger arbor.ILogger, export *models.Export) (*DriveHandler, error) {
	credentials := configString(export.Configuration, "credentials_json", "")
	if credentials == "" {
		return nil, fmt.Errorf("drive export requires credentials_json")
	}

	tmpl := configString(export.Configuration, "path_template", "{year}/{month}/{source}_{invoice_id}.pdf")
	if err := pathtemplate.Validate(tmpl); err != nil {
		return nil, fmt.Errorf("invalid path template: %w", err)
	}

	return &DriveHandler{
		logger:          logger,
		credentialsJSON: credentials,
		parentFolderID:  configString(export.Configuration, "parent_folder_id", "root"),
		pathTemplate:    tmpl,
		createFolders:   configBool(export.Configuration, "create_folders", true),
		shareWith:       configStringList(export.Configuration, "share_with"),
	}, nil
}

func (h *DriveHandler) driveService(ctx context.Context) (*drive.Service, error) {
	if h.service != nil {
		return h.service, nil
	}
	svc, err := drive.NewService(ctx,
		option.WithCredentialsJSON([]byte(h.credentialsJSON)),
		option.WithScopes(drive.DriveFileScope))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize drive service: %w", err)
	}
	h.service = svc
	return svc, nil
}

// Export uploads the invoice file to the rendered Drive path
func (h *DriveHandler) Export(ctx context.Context, invoice *models.Invoice, tmplContext map[string]string) interfaces.ExportResult {
	if invoice.FilePath == "" {
		return failed("invoice has no local file to export")
	}

	rendered, err := pathtemplate.Render(h.pathTemplate, tmplContext)
	if err != nil {
		return failed("failed to render path template: %v", err)
	}
	folderPath, filename := path.Split(rendered)
	if filename == "" {
		return failed("rendered path %q has no filename", rendered)
	}

	svc, err := h.driveService(ctx)
	if err != nil {
		return failed("%v", err)
	}

	folderID := h.parentFolderID
	if h.createFolders && folderPath != "" {
		folderID, err = h.ensureFolderPath(ctx, svc, strings.Trim(folderPath, "/"))
		if err != nil {
			return failed("failed to create folder structure: %v", err)
		}
	}

	// Duplicate guard: same filename already present in the destination folder
	existingID, err := h.findInFolder(ctx, svc, folderID, filename, "")
	if err != nil {
		return failed("duplicate guard probe failed: %v", err)
	}
	if existingID != "" {
		h.logger.Info().Str("file", filename).Msg("File already in Drive, skipping duplicate")
		return interfaces.ExportResult{
			Status:       models.ExportStatusDuplicateSkipped,
			ErrorMessage: "file already present in destination folder",
		}
	}

	f, err := os.Open(invoice.FilePath)
	if err != nil {
		return failed("source file not found: %v", err)
	}
	defer f.Close()

	created, err := svc.Files.Create(&drive.File{
		Name:    filename,
		Parents: []string{folderID},
	}).Media(f, googleapi.ContentType("application/pdf")).Context(ctx).Do()
	if err != nil {
		return failed("failed to upload file: %v", err)
	}

	h.shareFile(ctx, svc, created.Id)

	h.logger.Info().
		Str("file", filename).
		Str("file_id", created.Id).
		Msg("Invoice uploaded to Drive")
	return interfaces.ExportResult{
		Status:            models.ExportStatusSuccess,
		ExternalReference: created.Id,
	}
}

// shareFile grants read access to the configured addresses. The upload has
// already happened, so a failed grant is logged but does not fail the export.
func (h *DriveHandler) shareFile(ctx context.Context, svc *drive.Service, fileID string) {
	for _, email := range h.shareWith {
		_, err := svc.Permissions.Create(fileID, &drive.Permission{
			Type:         "user",
			Role:         "reader",
			EmailAddress: email,
		}).Context(ctx).Do()
		if err != nil {
			h.logger.Warn().Err(err).Str("email", email).Msg("Failed to share uploaded file")
			continue
		}
		h.logger.Info().Str("email", email).Str("file_id", fileID).Msg("Shared uploaded file")
	}
}

// ensureFolderPath walks the slash-separated path under the parent folder,
// creating missing segments, and returns the final folder id.
func (h *DriveHandler) ensureFolderPath(ctx context.Context, svc *drive.Service, folderPath string) (string, error) {
	parentID := h.parentFolderID
	for _, segment := range strings.Split(folderPath, "/") {
		if segment == "" {
			continue
		}
		id, err := h.findInFolder(ctx, svc, parentID, segment, driveFolderMimeType)
		if err != nil {
			return "", err
		}
		if id == "" {
			created, err := svc.Files.Create(&drive.File{
				Name:     segment,
				MimeType: driveFolderMimeType,
				Parents:  []string{parentID},
			}).Context(ctx).Do()
			if err != nil {
				return "", fmt.Errorf("failed to create folder %q: %w", segment, err)
			}
			id = created.Id
		}
		parentID = id
	}
	return parentID, nil
}

// findInFolder returns the id of a non-trashed child with the given name, or
// empty when absent. An empty mimeType matches any kind of child.
func (h *DriveHandler) findInFolder(ctx context.Context, svc *drive.Service, parentID, name, mimeType string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), parentID)
	if mimeType != "" {
		query += fmt.Sprintf(" and mimeType = '%s'", mimeType)
	}
	list, err := svc.Files.List().Q(query).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}
