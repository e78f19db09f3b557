package ops

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string             // required, .jsonl
	Mode archive.ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Replaced int           `json:"replaced"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes a line that could not be imported.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Import reads a JSONL export and merges its letters into the archive,
// keeping their ids and creation times.
//
// In mode "error" nothing is written if any line is malformed or any id is
// already archived; the problems are reported in Errors. The other modes
// skip malformed lines and resolve collisions as the mode says.
func Import(ctx context.Context, store *archive.Store, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	switch input.Mode {
	case "":
		input.Mode = archive.ImportModeError
	case archive.ImportModeError, archive.ImportModeReplace, archive.ImportModeSkip:
	default:
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, skip")
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(input.Path, os.O_RDONLY, 0)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	records, parseErrors, err := parseExport(ctx, file)
	if err != nil {
		return nil, err
	}

	output := &ImportOutput{Errors: []ImportError{}}
	if len(parseErrors) > 0 {
		output.Errors = append(output.Errors, parseErrors...)
		if input.Mode == archive.ImportModeError {
			return output, nil
		}
		output.Skipped += len(parseErrors)
	}

	result, err := store.Import(ctx, records, input.Mode)
	if err != nil {
		if cErr, ok := errors.As(err); ok && cErr.Code == errors.ErrAlreadyExists {
			id, _ := cErr.Details["id"].(string)
			output.Errors = append(output.Errors, ImportError{
				ID:      id,
				Code:    "ID_COLLISION",
				Message: cErr.Message,
			})
			return output, nil
		}
		return nil, err
	}

	output.Imported = result.Imported
	output.Replaced = result.Replaced
	output.Skipped += result.Skipped
	return output, nil
}

// parseExport reads records from a JSONL export. The optional header line
// is checked and skipped. Lines are read whole since embedded images make
// them arbitrarily long.
func parseExport(ctx context.Context, r io.Reader) ([]mail.Record, []ImportError, error) {
	var records []mail.Record
	var parseErrors []ImportError

	br := bufio.NewReader(r)
	for lineNum := 1; ; lineNum++ {
		if ctx.Err() != nil {
			return nil, nil, errors.NewCancelled("import")
		}

		line, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, nil, errors.NewInternal(fmt.Errorf("failed to read import file: %w", readErr))
		}
		line = bytes.TrimSpace(line)

		if len(line) > 0 {
			rec, header, perr := parseLine(line, lineNum)
			switch {
			case perr != nil:
				parseErrors = append(parseErrors, *perr)
			case !header:
				records = append(records, rec)
			}
		}

		if readErr == io.EOF {
			break
		}
	}
	return records, parseErrors, nil
}

// parseLine decodes one JSONL line, reporting whether it was the header.
func parseLine(line []byte, lineNum int) (mail.Record, bool, *ImportError) {
	var probe struct {
		CourrierExport bool   `json:"_courrier_export"`
		SchemaVersion  string `json:"schema_version"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return mail.Record{}, false, &ImportError{Line: lineNum, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if probe.CourrierExport {
		if probe.SchemaVersion != ExportSchemaVersion {
			return mail.Record{}, true, &ImportError{
				Line:    lineNum,
				Code:    "UNSUPPORTED_SCHEMA",
				Message: fmt.Sprintf("unsupported schema_version %q", probe.SchemaVersion),
			}
		}
		return mail.Record{}, true, nil
	}

	var rec mail.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return mail.Record{}, false, &ImportError{Line: lineNum, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid record: %v", err)}
	}
	if rec.ID == "" {
		return mail.Record{}, false, &ImportError{Line: lineNum, Code: "INVALID_RECORD", Message: "missing id field"}
	}
	if rec.CreatedAt.IsZero() {
		return mail.Record{}, false, &ImportError{Line: lineNum, ID: rec.ID, Code: "INVALID_RECORD", Message: "missing createdAt field"}
	}
	return rec, false, nil
}
