package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// ExportSchemaVersion is written in the JSONL header and checked on import.
const ExportSchemaVersion = "1.0"

// XLSXSheet is the worksheet holding exported letters.
const XLSXSheet = "Courriers"

var xlsxColumns = []any{
	"ID", "Type", "Date", "N° courrier", "Objet", "Service expéditeur",
	"Service destinataire", "Importance", "Urgent", "Créé le", "Contenu",
}

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path       string  // optional, default: ~/.courrier/exports/<type>-<timestamp>.<format>
	Format     string  // "jsonl" (default) or "xlsx"; only used to build the default path
	Type       *string // optional filter
	OmitImages bool    // JSONL only; spreadsheets never carry images
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Format     string `json:"format"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a JSONL export.
type ExportHeader struct {
	CourrierExport bool   `json:"_courrier_export"`
	SchemaVersion  string `json:"schema_version"`
	ExportedAt     int64  `json:"exported_at"`
}

// Export writes the archive, newest first, to a JSONL or XLSX file chosen
// by the path's extension. The file is written next to its destination and
// renamed into place, so an existing file survives a failed export.
func Export(ctx context.Context, store *archive.Store, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()
	t, err := parseTypeFilter(input.Type)
	if err != nil {
		return nil, err
	}

	exportPath := input.Path
	if exportPath == "" {
		exportPath, err = defaultExportPath(t, input.Format, now)
		if err != nil {
			return nil, err
		}
	}
	if err := ValidatePath(exportPath, PathCheckWrite, cfg); err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(exportPath)), ".")

	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	records = filterType(records, t)

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	switch format {
	case "xlsx":
		err = writeXLSX(ctx, file, records)
	default:
		header := ExportHeader{CourrierExport: true, SchemaVersion: ExportSchemaVersion, ExportedAt: now.Unix()}
		err = writeJSONL(ctx, file, header, records, input.OmitImages)
	}
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(err)
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	// Close before the rename (required on Windows).
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}

	// On Windows os.Rename fails when the destination exists; the existing
	// file is kept rather than risking a delete+rename.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; overwriting is not supported on Windows (choose a new path or delete the existing file)")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		Format:     format,
		Count:      len(records),
		ExportedAt: now.Unix(),
	}, nil
}

func writeJSONL(ctx context.Context, w io.Writer, header ExportHeader, records []mail.Record, omitImages bool) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, r := range records {
		if ctx.Err() != nil {
			return errors.NewCancelled("export")
		}
		if omitImages {
			r.ImageData = ""
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeXLSX(ctx context.Context, w io.Writer, records []mail.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", XLSXSheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(XLSXSheet)
	if err != nil {
		return err
	}
	if err := sw.SetColWidth(5, 7, 30); err != nil {
		return err
	}
	if err := sw.SetRow("A1", xlsxColumns); err != nil {
		return err
	}

	for i, r := range records {
		if ctx.Err() != nil {
			return errors.NewCancelled("export")
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			r.ID, string(r.Type), r.Date, r.LetterNumber, r.Subject, r.SenderService,
			r.ReceiverService, r.Importance, r.Urgent(), r.CreatedAt.UTC().Format(time.RFC3339), r.Body,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}

	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

// defaultExportPath builds ~/.courrier/exports/<entrant|sortant|all>-<timestamp>.<format>.
func defaultExportPath(t *mail.DocType, format string, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}

	ext := ExtJSONL
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", "jsonl":
	case "xlsx":
		ext = ExtXLSX
	default:
		return "", errors.NewInvalidRequest(fmt.Sprintf("unsupported export format: %q", format))
	}

	name := "all"
	if t != nil {
		name = SanitizeForFilename(string(*t))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, now.Format("2006-01-02T150405"), ext)), nil
}
