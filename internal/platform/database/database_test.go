package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "   ")
	assert.ErrorContains(t, err, "DSN is required")
}
