// Package idgen produces friendly, URL-safe external identifiers distinct
// from internal database keys (spec GLOSSARY: "Friendly ID").
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator is consumed wherever a row needs a friendly id at creation time
// (attempts, runs, workers, queues).
type Generator interface {
	New(prefix string) string
}

// UUIDGenerator produces "<prefix>_<uuid-without-dashes>" ids.
type UUIDGenerator struct{}

func NewUUIDGenerator() *UUIDGenerator { return &UUIDGenerator{} }

func (UUIDGenerator) New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

const (
	PrefixAttempt = "attempt"
	PrefixRun     = "run"
	PrefixWorker  = "worker"
	PrefixQueue   = "queue"
)
