package gateway

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/postgres-ai/platform-console/pkg/logger"
)

// SavedFile describes a binary artifact written to the download dir.
type SavedFile struct {
	Filename string
	Path     string
	Size     int64
}

// NotFoundError carries the structured error detail a 404 download
// response encodes in its JSON body.
type NotFoundError struct {
	Message string
	Details string
}

func (e *NotFoundError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// DownloadReportFile fetches one checkup report file as a raw octet
// stream and saves it under destDir. This path bypasses the JSON gate
// entirely: the filename comes from Content-Disposition, and a 404 body
// is parsed as a structured JSON error rather than a generic failure.
func (c *Client) DownloadReportFile(ctx context.Context, token string, fileID int64, destDir string) (SavedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.req(ctx, token).
		SetHeader("Accept", "application/octet-stream").
		SetDoNotParseResponse(true).
		SetQueryParam("id", eq(fileID)).
		Get("/rpc/download_report_file")
	if err != nil {
		if isTimeout(ctx, err) {
			return SavedFile{}, &Error{Kind: KindTimedOut, Err: err}
		}
		return SavedFile{}, &Error{Kind: KindWrongReply, Err: err}
	}

	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() == http.StatusNotFound {
		return SavedFile{}, notFoundFromBody(raw)
	}
	if resp.StatusCode() != http.StatusOK {
		return SavedFile{}, fmt.Errorf("unexpected download status %d", resp.StatusCode())
	}

	filename := filenameFromDisposition(resp.Header().Get("Content-Disposition"))
	if filename == "" {
		filename = fmt.Sprintf("report_file_%d", fileID)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return SavedFile{}, fmt.Errorf("create download dir: %w", err)
	}

	destPath := filepath.Join(destDir, filename)
	if _, statErr := os.Stat(destPath); statErr == nil {
		destPath = filepath.Join(destDir, uuid.NewString()[:8]+"_"+filename)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return SavedFile{}, fmt.Errorf("create download file: %w", err)
	}
	defer dst.Close()

	size, err := io.Copy(dst, raw)
	if err != nil {
		_ = os.Remove(destPath)
		return SavedFile{}, fmt.Errorf("save download: %w", err)
	}

	logger.InfoCF("gateway", "report file downloaded", map[string]interface{}{
		"file_id": fileID,
		"path":    destPath,
		"size":    size,
	})

	return SavedFile{Filename: filepath.Base(destPath), Path: destPath, Size: size}, nil
}

// notFoundFromBody tries to read the 404 body as UTF-8 JSON and surface
// its message/details pair. An unreadable body degrades to a plain 404.
func notFoundFromBody(raw io.Reader) error {
	body, err := io.ReadAll(io.LimitReader(raw, 64*1024))
	if err != nil || !gjson.ValidBytes(body) {
		return &NotFoundError{Message: "file not found"}
	}
	nf := &NotFoundError{
		Message: gjson.GetBytes(body, "message").String(),
		Details: gjson.GetBytes(body, "details").String(),
	}
	if nf.Message == "" {
		nf.Message = "file not found"
	}
	return nf
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
