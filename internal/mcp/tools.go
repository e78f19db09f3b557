package mcp

import "github.com/mark3labs/mcp-go/mcp"

// Letter field options shared by update and commit tools.
func letterFieldOptions(prefix string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("senderService", mcp.Description(prefix+"sending office")),
		mcp.WithString("receiverService", mcp.Description(prefix+"receiving office")),
		mcp.WithString("letterNumber", mcp.Description(prefix+"letter reference number")),
		mcp.WithString("subject", mcp.Description(prefix+"subject line")),
		mcp.WithString("date", mcp.Description(prefix+"date as written on the letter")),
		mcp.WithString("importance", mcp.Description(prefix+"importance, e.g. Normal or Urgent")),
		mcp.WithString("body", mcp.Description(prefix+"letter body")),
	}
}

func typeFilterOption() mcp.ToolOption {
	return mcp.WithString("type",
		mcp.Description("Only letters of this type"),
		mcp.Enum("entrant", "sortant", "incoming", "outgoing"),
	)
}

func paginationOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)"), mcp.Min(1), mcp.Max(100)),
		mcp.WithNumber("offset", mcp.Description("Items to skip (default 0)"), mcp.Min(0)),
	}
}

func newTool(name, desc string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append([]mcp.ToolOption{mcp.WithDescription(desc)}, opts...)...)
}

func concat(groups ...[]mcp.ToolOption) []mcp.ToolOption {
	var out []mcp.ToolOption
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var listToolDef = newTool("letter_list",
	"List archived letters, newest first. Returns summaries without body or image.",
	concat(
		[]mcp.ToolOption{typeFilterOption(), mcp.WithReadOnlyHintAnnotation(true)},
		paginationOptions(),
	)...,
)

var searchToolDef = newTool("letter_search",
	"Search archived letters by subject, letter number, sender or receiver (case-insensitive substring).",
	concat(
		[]mcp.ToolOption{
			mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for; blank matches every letter")),
			typeFilterOption(),
			mcp.WithReadOnlyHintAnnotation(true),
		},
		paginationOptions(),
	)...,
)

var fetchToolDef = newTool("letter_fetch",
	"Fetch one archived letter with its body.",
	mcp.WithString("id", mcp.Required(), mcp.Description("Letter id")),
	mcp.WithBoolean("include_image", mcp.Description("Include the scanned image as a data URL (default false)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var updateToolDef = newTool("letter_update",
	"Edit the text fields of an archived letter. Only the fields given are changed.",
	concat(
		[]mcp.ToolOption{mcp.WithString("id", mcp.Required(), mcp.Description("Letter id"))},
		letterFieldOptions("New "),
	)...,
)

var deleteToolDef = newTool("letter_delete",
	"Remove a letter from the archive. Deleting a missing id succeeds with deleted=false.",
	mcp.WithString("id", mcp.Required(), mcp.Description("Letter id")),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithIdempotentHintAnnotation(true),
)

var exportToolDef = newTool("letter_export",
	"Export the archive to a .jsonl or .xlsx file in ~/.courrier/exports or an allowed path.",
	mcp.WithString("path", mcp.Description("Destination file; default ~/.courrier/exports/<type>-<timestamp>.<format>")),
	mcp.WithString("format", mcp.Description("Format for the default path"), mcp.Enum("jsonl", "xlsx")),
	typeFilterOption(),
	mcp.WithBoolean("omit_images", mcp.Description("Leave scanned images out of a JSONL export")),
)

var importToolDef = newTool("letter_import",
	"Import letters from a JSONL export, keeping their ids and dates.",
	mcp.WithString("path", mcp.Required(), mcp.Description("JSONL file to read")),
	mcp.WithString("mode", mcp.Description("What to do when an id already exists (default error)"), mcp.Enum("error", "replace", "skip")),
)

var pdfToolDef = newTool("letter_pdf",
	"Render a letter as PDF: an archived letter by id, or the draft under review in a pipeline.",
	mcp.WithString("id", mcp.Description("Archived letter id")),
	mcp.WithString("pipeline", mcp.Description("Render this pipeline's draft instead"), mcp.Enum("incoming", "outgoing")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var incomingUploadToolDef = newTool("incoming_upload",
	"Upload a scanned letter (image or PDF) and extract its fields. Blocks until extraction settles and returns the draft to review.",
	mcp.WithString("path", mcp.Required(), mcp.Description("Image or PDF file to upload")),
	mcp.WithString("content_type", mcp.Description("Override the detected content type")),
	mcp.WithBoolean("include_preview", mcp.Description("Include the preview image data URL in the result")),
)

var incomingCommitToolDef = newTool("incoming_commit",
	"Archive the incoming draft under review. Given fields override the extracted ones.",
	letterFieldOptions("Corrected ")...,
)

var incomingResetToolDef = newTool("incoming_reset",
	"Discard the incoming draft whatever its state.",
	mcp.WithIdempotentHintAnnotation(true),
)

var outgoingGenerateToolDef = newTool("outgoing_generate",
	"Draft an outgoing letter from a prompt. Blocks until generation settles and returns the draft to review.",
	mcp.WithString("prompt", mcp.Required(), mcp.Description("What the letter should say")),
	mcp.WithString("senderService", mcp.Description("Sending office")),
	mcp.WithString("receiverService", mcp.Description("Receiving office")),
	mcp.WithString("letterNumber", mcp.Description("Letter reference number")),
	mcp.WithString("importance", mcp.Description("Importance, e.g. Normal or Urgent")),
)

var outgoingCommitToolDef = newTool("outgoing_commit",
	"Archive the outgoing draft under review. Given fields override the generated ones.",
	letterFieldOptions("Corrected ")...,
)

var outgoingResetToolDef = newTool("outgoing_reset",
	"Discard the outgoing draft whatever its state.",
	mcp.WithIdempotentHintAnnotation(true),
)
