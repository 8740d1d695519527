package main

import (
	"strings"
	"testing"
)

type capturingLogger struct {
	infoCalled  bool
	errorCalled bool
	lastArgs    []any
}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.infoCalled = true
	l.lastArgs = args
}

func (l *capturingLogger) Error(msg string, args ...any) {
	l.errorCalled = true
	l.lastArgs = args
}

func TestShellRestartHookSuccess(t *testing.T) {
	log := &capturingLogger{}
	hook := shellRestartHook("echo restarting %s", log)

	if err := hook("aggregator"); err != nil {
		t.Fatalf("hook returned error: %v", err)
	}
	if !log.infoCalled {
		t.Error("expected Info to be called on success")
	}
	if log.errorCalled {
		t.Error("did not expect Error to be called on success")
	}
}

func TestShellRestartHookFailure(t *testing.T) {
	log := &capturingLogger{}
	hook := shellRestartHook("exit 1 # %s", log)

	if err := hook("uploader"); err == nil {
		t.Fatal("expected error for a failing restart command")
	}
	if !log.errorCalled {
		t.Error("expected Error to be called on failure")
	}
}

func TestShellRestartHookSubstitutesServiceName(t *testing.T) {
	log := &capturingLogger{}
	hook := shellRestartHook("echo svc=%s", log)

	if err := hook("sync"); err != nil {
		t.Fatalf("hook returned error: %v", err)
	}
	found := false
	for _, a := range log.lastArgs {
		if s, ok := a.(string); ok && strings.Contains(s, "svc=sync") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected output to contain substituted service name, args = %v", log.lastArgs)
	}
}
