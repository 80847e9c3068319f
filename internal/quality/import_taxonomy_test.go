package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyImportErrorKnownCodes(t *testing.T) {
	assert.Equal(t, ImportErrParse, ClassifyImportError("malformed_csv"))
	assert.Equal(t, ImportErrMapping, ClassifyImportError("unit_mismatch"))
	assert.Equal(t, ImportErrValidation, ClassifyImportError("out_of_range"))
	assert.Equal(t, ImportErrDedup, ClassifyImportError("duplicate_external_id"))
}

func TestClassifyImportErrorUnknownCodeDefaultsToOther(t *testing.T) {
	assert.Equal(t, ImportErrOther, ClassifyImportError("something_new"))
}
