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
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Bell signals the operator with terminal bells.
//
// Description:
//
//	Notify writes one BEL byte per signal, but only when the destination is
//	a terminal; piped or redirected output gets no control bytes. Every
//	notification is logged regardless so unattended runs keep a record.
//
// Thread Safety: Safe for concurrent use.
type Bell struct {
	w        io.Writer
	terminal bool
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewBell creates a Bell writing to stderr.
func NewBell(logger *slog.Logger) *Bell {
	return newBell(os.Stderr, IsTerminal(os.Stderr), logger)
}

func newBell(w io.Writer, terminal bool, logger *slog.Logger) *Bell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bell{w: w, terminal: terminal, logger: logger}
}

// Notify rings signals bells and logs message. signals <= 0 only logs.
func (b *Bell) Notify(signals int, message string) {
	b.logger.Info("notify", "signals", signals, "message", message)
	if signals <= 0 || !b.terminal {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = io.WriteString(b.w, strings.Repeat("\a", signals))
}
