package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf, Service: "lawlibrary"})

	log.With("component", "lending").Debug("checkout created", "book_id", 3)

	out := buf.String()
	assert.Contains(t, out, `"msg":"checkout created"`)
	assert.Contains(t, out, `"service":"lawlibrary"`)
	assert.Contains(t, out, `"component":"lending"`)
	assert.Contains(t, out, `"book_id":3`)
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: FormatText, Output: &buf})

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf})

	log.Printf("slow query %dms", 250)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), "slow query 250ms")
}
