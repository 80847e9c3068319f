package quality

// ImportErrorClass is the stable taxonomy for external import failures,
// ported from external_import_error_taxonomy.py.
type ImportErrorClass string

const (
	ImportErrParse      ImportErrorClass = "parse"
	ImportErrMapping    ImportErrorClass = "mapping"
	ImportErrValidation ImportErrorClass = "validation"
	ImportErrDedup      ImportErrorClass = "dedup"
	ImportErrOther      ImportErrorClass = "other"
)

// importErrorCodes maps the specific error codes an importer can raise to
// the stable class, matching the reference taxonomy's fixed lookup table
// rather than substring matching (import errors carry structured codes,
// unlike inference errors which only carry free text).
var importErrorCodes = map[string]ImportErrorClass{
	"malformed_csv":        ImportErrParse,
	"malformed_json":       ImportErrParse,
	"encoding_error":       ImportErrParse,
	"unknown_column":       ImportErrMapping,
	"unit_mismatch":        ImportErrMapping,
	"missing_required_field": ImportErrValidation,
	"out_of_range":         ImportErrValidation,
	"type_mismatch":        ImportErrValidation,
	"duplicate_row":        ImportErrDedup,
	"duplicate_external_id": ImportErrDedup,
}

// ClassifyImportError maps an importer-raised error code to its stable
// class, defaulting to "other" for unrecognized codes.
func ClassifyImportError(code string) ImportErrorClass {
	if class, ok := importErrorCodes[code]; ok {
		return class
	}
	return ImportErrOther
}
