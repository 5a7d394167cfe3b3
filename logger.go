// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog logger writing to w. If pretty is true,
// the output is formatted for humans instead of JSON.
func NewLogger(w io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("component", "jobqueue").Logger()
}

// defaultLogger logs to stderr at info level.
func defaultLogger() zerolog.Logger {
	return NewLogger(os.Stderr, false).Level(zerolog.InfoLevel)
}
