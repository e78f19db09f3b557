package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/lifecycle"
	"github.com/courrier-mg/courrier/internal/mail"
	"github.com/courrier-mg/courrier/internal/ops"
	"github.com/courrier-mg/courrier/internal/web"
)

// maxPromptBytes caps a generation prompt read from stdin.
const maxPromptBytes = 64 << 10

// newCLIApp creates the CLI application with all commands. a is nil when
// only help or version output is needed.
func newCLIApp(a *app) *cli.App {
	cliApp := &cli.App{
		Name:    "courrier",
		Usage:   "Incoming and outgoing mail, extracted, drafted and archived",
		Version: Version,
		Commands: []*cli.Command{
			listCmd(a),
			searchCmd(a),
			showCmd(a),
			updateCmd(a),
			deleteCmd(a),
			exportCmd(a),
			importCmd(a),
			pdfCmd(a),
			ingestCmd(a),
			draftCmd(a),
			serveCmd(a),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	cliApp.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return cliApp
}

func typeFlag() cli.Flag {
	return &cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by type: entrant|sortant"}
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum results"},
		&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Results to skip"},
	}
}

// fieldFlags are the letter fields settable from the command line.
func fieldFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "sender", Usage: "Sender service"},
		&cli.StringFlag{Name: "receiver", Usage: "Receiver service"},
		&cli.StringFlag{Name: "number", Usage: "Letter number"},
		&cli.StringFlag{Name: "subject", Usage: "Subject"},
		&cli.StringFlag{Name: "date", Usage: "Date"},
		&cli.StringFlag{Name: "importance", Usage: "Importance (Normal, Urgent, ...)"},
		&cli.StringFlag{Name: "body", Usage: "Body"},
	}
}

// patchFromFlags collects the field flags that were given, empty values
// included.
func patchFromFlags(c *cli.Context) mail.Patch {
	get := func(name string) *string {
		if !c.IsSet(name) {
			return nil
		}
		v := c.String(name)
		return &v
	}
	return mail.Patch{
		SenderService:   get("sender"),
		ReceiverService: get("receiver"),
		LetterNumber:    get("number"),
		Subject:         get("subject"),
		Date:            get("date"),
		Importance:      get("importance"),
		Body:            get("body"),
	}
}

// listCmd creates the list command.
func listCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List archived letters, newest first",
		Flags: append([]cli.Flag{typeFlag()}, pageFlags()...),
		Action: func(c *cli.Context) error {
			output, err := ops.List(c.Context, a.store, ops.ListInput{
				Type:   optString(c, "type"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// searchCmd creates the search command.
func searchCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search archived letters by subject, number or service",
		ArgsUsage: "<query>",
		Flags:     append([]cli.Flag{typeFlag()}, pageFlags()...),
		Action: func(c *cli.Context) error {
			output, err := ops.Search(c.Context, a.store, ops.SearchInput{
				Query:  strings.Join(c.Args().Slice(), " "),
				Type:   optString(c, "type"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// showCmd creates the show command.
func showCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show an archived letter",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "image", Usage: "Include the scan as a data URL"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Fetch(c.Context, a.store, ops.FetchInput{
				ID:           c.Args().First(),
				IncludeImage: c.Bool("image"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// updateCmd creates the update command.
func updateCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Correct fields of an archived letter",
		ArgsUsage: "<id>",
		Flags:     fieldFlags(),
		Action: func(c *cli.Context) error {
			output, err := ops.Update(c.Context, a.store, ops.UpdateInput{
				ID:    c.Args().First(),
				Patch: patchFromFlags(c),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete an archived letter",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			output, err := ops.Delete(c.Context, a.store, ops.DeleteInput{ID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export the archive to a JSONL or XLSX file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.courrier/exports/<type>-<timestamp>.<format>)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: ops.ExtJSONL, Usage: "Format: jsonl|xlsx"},
			typeFlag(),
			&cli.BoolFlag{Name: "omit-images", Usage: "Leave scans out of a JSONL export"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, a.store, a.cfg, ops.ExportInput{
				Path:       c.String("path"),
				Format:     c.String("format"),
				Type:       optString(c, "type"),
				OmitImages: c.Bool("omit-images"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import letters from a JSONL export",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(archive.ImportModeError), Usage: "Collision mode: error|replace|skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Import(c.Context, a.store, a.cfg, ops.ImportInput{
				Path: c.String("path"),
				Mode: archive.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// pdfCmd creates the pdf command.
func pdfCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "pdf",
		Usage:     "Render an archived letter as PDF",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default: ./courrier_<timestamp>.pdf)"},
		},
		Action: func(c *cli.Context) error {
			id, err := ops.ValidateID(c.Args().First())
			if err != nil {
				return outputError(err)
			}
			pdf, err := a.ctrl.RequestRecordPDF(c.Context, id)
			if err != nil {
				return outputError(err)
			}
			return writePDF(pdf, c.String("out"))
		},
	}
}

// ingestCmd creates the ingest command: the incoming pipeline from the
// command line.
func ingestCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Extract an incoming letter from a scan (image or PDF)",
		ArgsUsage: "<file>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "commit", Usage: "Archive the letter after extraction"},
		}, fieldFlags()...),
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return outputError(errors.NewInvalidRequest("file is required"))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return outputError(errors.NewFileNotFound(path))
				}
				return outputError(errors.NewInvalidRequest(err.Error()))
			}

			file, ok := lifecycle.Supported(mail.Blob{Name: filepath.Base(path), Data: data})
			if !ok {
				return outputError(errors.NewValidationRejected(file.ContentType))
			}

			draft := a.ctrl.BeginUpload(c.Context, file)
			return settle(c, a, lifecycle.Incoming, draft, "")
		},
	}
}

// draftCmd creates the draft command: the outgoing pipeline from the
// command line.
func draftCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "Generate an outgoing letter (prompt from --prompt or stdin)",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "prompt", Usage: "What the letter should say"},
			&cli.BoolFlag{Name: "commit", Usage: "Archive the letter after generation"},
			&cli.StringFlag{Name: "pdf", Usage: "Also render the draft as PDF to this file"},
		}, fieldFlags()...),
		Action: func(c *cli.Context) error {
			prompt := c.String("prompt")
			if prompt == "" && stdinHasData() {
				text, err := readStdin(maxPromptBytes)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				prompt = text
			}
			if strings.TrimSpace(prompt) == "" {
				return outputError(errors.NewInvalidRequest("prompt is required (--prompt or stdin)"))
			}

			draft := a.ctrl.BeginGeneration(c.Context, mail.GenerationParams{
				SenderService:   c.String("sender"),
				ReceiverService: c.String("receiver"),
				LetterNumber:    c.String("number"),
				Importance:      c.String("importance"),
				Prompt:          prompt,
			})
			return settle(c, a, lifecycle.Outgoing, draft, c.String("pdf"))
		},
	}
}

// settle finishes a pipeline run started from the command line: flag
// overrides are applied, then the draft is optionally rendered and
// committed. Without --commit the draft is printed and left for review.
func settle(c *cli.Context, a *app, p lifecycle.Pipeline, draft lifecycle.Draft, pdfPath string) error {
	if draft.Phase == lifecycle.Failed {
		a.ctrl.Reset(p)
		return outputError(errors.NewServiceError(draft.Error, nil))
	}
	if draft.Phase != lifecycle.ReviewReady {
		return outputError(errors.NewInvalidState(string(p), string(draft.Phase), "review"))
	}

	edited := draft.Fields
	patchFromFlags(c).Apply(&edited)

	if pdfPath != "" {
		pdf, err := a.ctrl.RequestDraftPDF(c.Context, p, edited)
		if err != nil {
			return outputError(err)
		}
		if err := os.WriteFile(pdfPath, pdf.Data, 0600); err != nil {
			return outputError(errors.NewInternal(err))
		}
	}

	if !c.Bool("commit") {
		draft.Fields = edited
		draft.Preview = ""
		return outputJSON(draft)
	}

	var rec mail.Record
	var err error
	if p == lifecycle.Incoming {
		rec, err = a.ctrl.CommitIncoming(c.Context, edited)
	} else {
		rec, err = a.ctrl.CommitOutgoing(c.Context, edited)
	}
	if err != nil {
		return outputError(err)
	}
	return outputJSON(map[string]any{"id": rec.ID, "letter": rec.ToSummary()})
}

// serveCmd creates the serve command.
func serveCmd(a *app) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8300, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv := web.NewServer(web.Deps{Store: a.store, Controller: a.ctrl, Logger: a.log}, a.cfg, Version, c.String("bind"), c.Int("port"))
			return web.Run(srv, a.log)
		},
	}
}

// Helper functions

func optString(c *cli.Context, name string) *string {
	if v := c.String(name); v != "" {
		return &v
	}
	return nil
}

func writePDF(pdf lifecycle.PDF, out string) error {
	if out == "" {
		out = pdf.Filename
	}
	if err := os.WriteFile(out, pdf.Data, 0600); err != nil {
		return outputError(errors.NewInternal(err))
	}
	return outputJSON(map[string]any{"path": out, "size": len(pdf.Data)})
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if cErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", cErr.Code, cErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most maxBytes from stdin.
func readStdin(maxBytes int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("stdin exceeds %d bytes", maxBytes)
	}
	return strings.TrimSpace(string(data)), nil
}
