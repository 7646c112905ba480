// Copyright (C) 2014 Jakob Borg. All rights reserved. Use of this source code
// is governed by an MIT-style license that can be found in the LICENSE file.

package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestHandlersReceiveLevelAndAbove(t *testing.T) {
	l := newLogger(new(bytes.Buffer))
	l.SetFlags(0)

	var warnings []string
	l.AddHandler(LevelWarn, func(level LogLevel, msg string) {
		if level != LevelWarn {
			t.Errorf("warn handler called with level %d", level)
		}
		warnings = append(warnings, msg)
	})
	var all int
	l.AddHandler(LevelDebug, func(LogLevel, string) {
		all++
	})

	l.Debugln("test", 0)
	l.Infof("test %d", 1)
	l.Warnf("test %d", 2)
	l.Warnln("test", 2)

	if len(warnings) != 2 {
		t.Fatalf("warn handler called %d != 2 times", len(warnings))
	}
	for _, msg := range warnings {
		if !strings.HasSuffix(msg, "test 2") {
			t.Errorf("%q does not end with %q", msg, "test 2")
		}
	}
	if all != 1 {
		t.Errorf("debug handler called %d != 1 times", all)
	}
}

func TestFacilityDebugToggle(t *testing.T) {
	buf := new(bytes.Buffer)
	l := newLogger(buf)
	l.SetFlags(0)

	f := l.NewFacility("watch", "Watching things")
	f.Debugln("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output without facility enabled: %q", buf.String())
	}

	l.SetDebug("watch", true)
	f.Debugln("shown")
	if !strings.Contains(buf.String(), "DEBUG: shown") {
		t.Errorf("missing debug output, got %q", buf.String())
	}

	if descr := l.Facilities()["watch"]; descr != "Watching things" {
		t.Errorf("unexpected facility description %q", descr)
	}
}

func TestControlStripper(t *testing.T) {
	buf := new(bytes.Buffer)
	w := controlStripper{buf}
	if _, err := w.Write([]byte("a\x07b\nc")); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "a b\nc" {
		t.Errorf("got %q", got)
	}
}
