// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Icon Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError} {
		assert.Contains(t, icon.Render(), string(icon))
	}
	assert.Empty(t, IconNone.Render())
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_PlainStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("ignored")
	p.Success("loop finished")
	p.Warning("3 deadline misses")
	p.Error("transport closed")

	assert.Equal(t, "OK: loop finished\nWARN: 3 deadline misses\nERROR: transport closed\n", buf.String())
}

func TestPrinter_PlainTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Table("Controller", []Row{
		{Label: "Ticks", Value: "1000"},
		{Label: "Deadline misses", Value: "0", Status: IconSuccess},
	})

	assert.Equal(t, "controller.ticks=1000\ncontroller.deadline_misses=0 status=ok\n", buf.String())
}

func TestPrinter_RichTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	p.Table("Plant", []Row{
		{Label: "Ticks", Value: "1000"},
		{Label: "Dropped", Value: "12", Status: IconWarning},
	})

	out := buf.String()
	assert.Contains(t, out, "Plant")
	assert.Contains(t, out, "Ticks")
	assert.Contains(t, out, "1000")
	assert.Contains(t, out, "Dropped")
	assert.Contains(t, out, string(IconWarning))
	assert.Contains(t, out, "╭")
}

func TestPrinter_NilWriterUsesStdout(t *testing.T) {
	p := NewPrinter(nil, ModePlain)
	assert.Equal(t, os.Stdout, p.w)
	assert.Equal(t, ModePlain, p.Mode())
}

func TestDetectMode_File(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	assert.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ModePlain, DetectMode(f))
}
