package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type RunFlags struct {
	Workspace  string
	ConfigPath string
	Addr       string // overrides control.addr
	Start      bool   // start the worker even when auto_start is false
	Color      bool
}

// ControlFlags are shared by the commands that talk to a running supervisor.
type ControlFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type MemoryFlags struct {
	Workspace string
	ID        string
	// When APIUrl is set the running supervisor is asked instead of the
	// snapshot on disk.
	APIUrl     string
	APITimeout time.Duration
}

type WorkerFlags struct {
	Workspace string
	Port      int
	LogLevel  string
	Protocol  int
}
